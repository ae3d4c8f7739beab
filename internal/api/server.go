package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"riskguard/internal/alert"
	"riskguard/internal/audit"
	"riskguard/internal/baseline"
	"riskguard/internal/config"
	"riskguard/internal/engine"
	"riskguard/internal/metrics"
	"riskguard/internal/model"
	"riskguard/internal/ratelimit"
	"riskguard/internal/storage"
	"riskguard/internal/trust"
)

// Engine is the slice of the risk engine the control surface drives.
type Engine interface {
	Latest() (model.RiskScore, bool)
	BaselineStatus() []baseline.MetricStatus
	Decay(ctx context.Context) engine.Evaluation
	Trust() *trust.Overlay
	Limiter() *ratelimit.Limiter
	Store() storage.Store
}

type Options struct {
	// Config returns the live configuration.
	Config     func() *config.Config
	ConfigPath string
	Engine     Engine
	Audit      *audit.Ring
	Alerts     *alert.Policy
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Version    string
	Now        func() time.Time
}

type Server struct {
	opts Options
}

type statusResponse struct {
	Status           string          `json:"status"`
	Time             string          `json:"time"`
	Version          string          `json:"version"`
	ConfigPath       string          `json:"config_path,omitempty"`
	Score            int             `json:"score"`
	Level            model.RiskLevel `json:"level"`
	LearningComplete bool            `json:"learning_complete"`
	CooldownUntil    *time.Time      `json:"alert_cooldown_until,omitempty"`
	Ingest           ingestStatus    `json:"ingest"`
	Storage          storageStatus   `json:"storage"`
}

type ingestStatus struct {
	REST  bool `json:"rest"`
	Kafka bool `json:"kafka"`
}

type storageStatus struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver,omitempty"`
}

type rateLimitResponse struct {
	Endpoint     string                 `json:"endpoint"`
	Allowed      bool                   `json:"allowed"`
	Tokens       float64                `json:"tokens"`
	RetryAfterMs int64                  `json:"retry_after_ms"`
	Bucket       *ratelimit.TokenBucket `json:"bucket,omitempty"`
}

func NewServer(opts Options) *Server {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{opts: opts}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/status", s.handleStatus)
	r.Get("/risk", s.handleRisk)
	r.Get("/risk/history", s.handleHistory)
	r.Get("/baselines", s.handleBaselines)
	r.Get("/audit", s.handleAudit)
	r.Get("/trust", s.handleTrustList)
	r.Post("/trust/{subject}", s.handleTrustAcknowledge)
	r.Delete("/trust/{subject}", s.handleTrustRevoke)
	r.Get("/ratelimit/{endpoint}", s.handleRateLimitPeek)
	r.Delete("/ratelimit/{endpoint}", s.handleRateLimitReset)
	r.Post("/admin/decay", s.handleDecay)
	r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	return r
}

func Start(ctx context.Context, addr string, opts Options) *http.Server {
	logger := opts.Logger
	if logger != nil {
		logger.Info("api enabled", "addr", addr)
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           NewServer(opts).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.opts.Config()
	resp := statusResponse{
		Status:     "ok",
		Time:       s.opts.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.opts.Version,
		ConfigPath: s.opts.ConfigPath,
		Level:      model.LevelNormal,
		Ingest: ingestStatus{
			REST:  cfg.Ingest.REST.Enabled,
			Kafka: cfg.Ingest.Kafka.Enabled,
		},
		Storage: storageStatus{Enabled: cfg.Storage.Enabled},
	}
	if cfg.Storage.Enabled {
		resp.Storage.Driver = cfg.Storage.Driver
	}
	if s.opts.Engine != nil {
		if latest, ok := s.opts.Engine.Latest(); ok {
			resp.Score = latest.Total
			resp.Level = latest.Level
		}
		resp.LearningComplete = learningComplete(s.opts.Engine.BaselineStatus())
	}
	if s.opts.Alerts != nil {
		if until := s.opts.Alerts.CooldownUntil(); until.After(s.opts.Now()) {
			u := until.UTC()
			resp.CooldownUntil = &u
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func learningComplete(status []baseline.MetricStatus) bool {
	if len(status) == 0 {
		return false
	}
	for _, st := range status {
		if !st.LearningComplete {
			return false
		}
	}
	return true
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	if s.opts.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	latest, ok := s.opts.Engine.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no score yet")
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	now := s.opts.Now().UTC()
	since := now.Add(-24 * time.Hour)
	var until time.Time
	q := r.URL.Query()
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = ts
	}
	if v := q.Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be RFC 3339")
			return
		}
		until = ts
	}
	scores, err := s.opts.Engine.Store().RiskScoresInRange(r.Context(), since, until)
	if err != nil {
		s.logError("risk history", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scores": scores,
		"count":  len(scores),
	})
}

func (s *Server) handleBaselines(w http.ResponseWriter, r *http.Request) {
	if s.opts.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	status := s.opts.Engine.BaselineStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"baselines":         status,
		"learning_complete": learningComplete(status),
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := s.opts.Config().Alert.AuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	var events []model.AuditEvent
	switch {
	case s.opts.Audit != nil:
		events = s.opts.Audit.List(limit)
	case s.opts.Engine != nil:
		stored, err := s.opts.Engine.Store().AuditEventsInRange(r.Context(), time.Time{}, time.Time{}, limit)
		if err != nil {
			s.logError("audit list", err)
			writeError(w, http.StatusInternalServerError, "audit unavailable")
			return
		}
		events = stored
	}
	if events == nil {
		events = []model.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleTrustList(w http.ResponseWriter, r *http.Request) {
	if s.opts.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"windows": s.opts.Engine.Trust().Windows(),
	})
}

func (s *Server) handleTrustAcknowledge(w http.ResponseWriter, r *http.Request) {
	if s.opts.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	subject, ok := model.ParseTrustSubject(chi.URLParam(r, "subject"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown trust subject")
		return
	}
	window, err := s.opts.Engine.Trust().Acknowledge(r.Context(), subject)
	if err != nil {
		s.trustError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, window)
}

func (s *Server) handleTrustRevoke(w http.ResponseWriter, r *http.Request) {
	if s.opts.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	subject, ok := model.ParseTrustSubject(chi.URLParam(r, "subject"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown trust subject")
		return
	}
	if err := s.opts.Engine.Trust().Revoke(r.Context(), subject); err != nil {
		s.trustError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "subject": subject})
}

func (s *Server) trustError(w http.ResponseWriter, err error) {
	if errors.Is(err, trust.ErrUnknownSubject) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logError("trust update", err)
	writeError(w, http.StatusInternalServerError, "trust update failed")
}

func (s *Server) limiter(w http.ResponseWriter) (*ratelimit.Limiter, bool) {
	if s.opts.Engine == nil || s.opts.Engine.Limiter() == nil {
		writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
		return nil, false
	}
	return s.opts.Engine.Limiter(), true
}

func (s *Server) handleRateLimitPeek(w http.ResponseWriter, r *http.Request) {
	l, ok := s.limiter(w)
	if !ok {
		return
	}
	endpoint := strings.TrimSpace(chi.URLParam(r, "endpoint"))
	res := l.Peek(endpoint)
	resp := rateLimitResponse{
		Endpoint:     endpoint,
		Allowed:      res.Allowed,
		Tokens:       res.Tokens,
		RetryAfterMs: res.RetryAfterMs(),
	}
	if b, ok := l.Bucket(endpoint); ok {
		resp.Endpoint = b.Endpoint
		resp.Bucket = &b
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	l, ok := s.limiter(w)
	if !ok {
		return
	}
	l.Reset(chi.URLParam(r, "endpoint"))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	if s.opts.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Engine.Decay(r.Context()))
}

func (s *Server) logError(op string, err error) {
	if s.opts.Logger != nil {
		s.opts.Logger.Error("api "+op+" failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
