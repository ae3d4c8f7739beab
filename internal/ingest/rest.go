package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"riskguard/internal/config"
	"riskguard/internal/metrics"
	"riskguard/internal/model"
)

const maxBodyBytes = 2 << 20

type RESTServer struct {
	q *queue
}

func NewRESTServer(cfg *config.Manager, out chan<- model.Signal, m *metrics.Metrics, logger *slog.Logger) *RESTServer {
	return &RESTServer{q: &queue{cfg: cfg, out: out, metrics: m, logger: logger, source: "rest"}}
}

func (s *RESTServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/signals", s.handleSignals)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

func StartREST(ctx context.Context, cfg *config.Manager, out chan<- model.Signal, m *metrics.Metrics, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	server := NewRESTServer(cfg, out, m, logger)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "error", err)
			}
		}
	}()
	return httpServer
}

func (s *RESTServer) handleSignals(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large or unreadable", http.StatusBadRequest)
		return
	}
	objs, err := DecodePayload(body)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	res := s.q.push(r.Context(), objs)
	status := http.StatusAccepted
	if res.Accepted == 0 {
		status = http.StatusUnprocessableEntity
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}
