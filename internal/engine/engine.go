// Package engine turns submitted signals into risk scores. It folds each
// signal into the behavioral baselines, derives anomaly signals, weighs
// everything through the trust overlay and publishes an immutable score.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"riskguard/internal/alert"
	"riskguard/internal/audit"
	"riskguard/internal/baseline"
	"riskguard/internal/config"
	"riskguard/internal/metrics"
	"riskguard/internal/model"
	"riskguard/internal/notify"
	"riskguard/internal/ratelimit"
	"riskguard/internal/storage"
	"riskguard/internal/trust"
)

var ErrAuditSignal = errors.New("engine: audit signal types cannot be submitted")

// Geocoder resolves coordinates to a place description. Calls are made
// off the scoring path after a rate-limit check.
type Geocoder interface {
	Reverse(ctx context.Context, lat, lng float64) (string, error)
}

type Options struct {
	Store     storage.Store
	Baselines *baseline.Store
	Trust     *trust.Overlay
	Limiter   *ratelimit.Limiter
	Geocoder  Geocoder
	Alerts    *alert.Policy
	Hub       *notify.Hub
	Audit     *audit.Ring
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

type Engine struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	store     storage.Store
	baselines *baseline.Store
	trust     *trust.Overlay
	limiter   *ratelimit.Limiter
	geocoder  Geocoder
	alerts    *alert.Policy
	hub       *notify.Hub
	audit     *audit.Ring
	now       func() time.Time
	cfg       atomic.Value
	deDupe    *DedupeCache

	// mu serializes every read-modify-write of the score state.
	mu      sync.Mutex
	anchor  *model.RiskScore
	current atomic.Pointer[model.RiskScore]
	lastLoc atomic.Pointer[model.Location]
	wg      sync.WaitGroup
}

// Submission reports what Submit did with one signal.
type Submission struct {
	Signal     model.Signal `json:"signal"`
	Duplicate  bool         `json:"duplicate"`
	Evaluation *Evaluation  `json:"evaluation,omitempty"`
}

// Evaluation reports the outcome of one scoring pass. Created is false
// when the pass produced no new record.
type Evaluation struct {
	Score     model.RiskScore       `json:"score"`
	Created   bool                  `json:"created"`
	Processed int                   `json:"processed"`
	Derived   []model.Signal        `json:"derived,omitempty"`
	Alert     *alert.DispatchResult `json:"-"`
}

func New(cfg *config.Config, opts Options) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemory()
	}
	if opts.Baselines == nil {
		loc, err := config.LoadLocation(cfg.Scoring.Timezone)
		if err != nil {
			loc = time.Local
		}
		opts.Baselines = baseline.NewStore(cfg.Baseline.Settings(loc), opts.Store, opts.Logger)
	}
	if opts.Trust == nil {
		opts.Trust = trust.NewOverlay(trust.Options{
			Duration:   cfg.Trust.Duration,
			Multiplier: cfg.Trust.Multiplier,
			Now:        opts.Now,
			Sink:       opts.Store,
			Store:      opts.Store,
			Logger:     opts.Logger,
		})
	}
	e := &Engine{
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		store:     opts.Store,
		baselines: opts.Baselines,
		trust:     opts.Trust,
		limiter:   opts.Limiter,
		geocoder:  opts.Geocoder,
		alerts:    opts.Alerts,
		hub:       opts.Hub,
		audit:     opts.Audit,
		now:       opts.Now,
		deDupe:    NewDedupeCache(),
	}
	e.cfg.Store(cfg)
	return e
}

// UpdateConfig applies a reloaded configuration. Baseline thresholds and
// trust tuning change in place; learned state and open windows are kept.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	loc, err := config.LoadLocation(cfg.Scoring.Timezone)
	if err != nil {
		loc = e.baselines.TimeZone()
		if e.logger != nil {
			e.logger.Warn("keeping previous timezone", "timezone", cfg.Scoring.Timezone, "error", err)
		}
	}
	e.mu.Lock()
	e.cfg.Store(cfg)
	e.baselines.UpdateConfig(cfg.Baseline.Settings(loc))
	e.mu.Unlock()
	e.trust.UpdateSettings(cfg.Trust.Duration, cfg.Trust.Multiplier)
	if e.limiter != nil {
		e.limiter.UpdateConfig(cfg.RateLimit.Settings())
	}
	if e.alerts != nil {
		e.alerts.UpdateSettings(alert.Settings{
			Threshold:      cfg.Alert.Threshold,
			Cooldown:       cfg.Alert.Cooldown,
			CaptureEnabled: cfg.Alert.CaptureEnabled,
		})
	}
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) Trust() *trust.Overlay       { return e.trust }
func (e *Engine) Baselines() *baseline.Store  { return e.baselines }
func (e *Engine) Store() storage.Store        { return e.store }
func (e *Engine) Limiter() *ratelimit.Limiter { return e.limiter }

// Restore reloads baselines, trust windows and the score state from
// storage. It must run before the engine starts taking signals.
func (e *Engine) Restore(ctx context.Context) error {
	if err := e.baselines.Load(ctx); err != nil {
		return err
	}
	if err := e.trust.Restore(ctx); err != nil {
		return fmt.Errorf("engine: restore trust: %w", err)
	}
	latest, err := e.store.LatestRiskScore(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("engine: restore score: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current.Store(&latest)
	if !latest.Decayed {
		anchor := latest.Clone()
		e.anchor = &anchor
		return nil
	}
	// a decayed head carries its anchor's contributions; find the anchor
	// itself so decay keeps counting from it
	since := latest.Timestamp.Add(-time.Duration(float64(time.Hour) / DecayPerHour))
	history, err := e.store.RiskScoresInRange(ctx, since, latest.Timestamp)
	if err != nil {
		return fmt.Errorf("engine: restore anchor: %w", err)
	}
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].Decayed {
			anchor := history[i].Clone()
			e.anchor = &anchor
			break
		}
	}
	return nil
}

// Latest returns the most recent published score.
func (e *Engine) Latest() (model.RiskScore, bool) {
	cur := e.current.Load()
	if cur == nil {
		return model.RiskScore{}, false
	}
	return cur.Clone(), true
}

// LastKnownLocation is the location of the newest LOCATION_UPDATE folded.
func (e *Engine) LastKnownLocation() *model.Location {
	loc := e.lastLoc.Load()
	if loc == nil {
		return nil
	}
	cp := *loc
	return &cp
}

func (e *Engine) BaselineStatus() []baseline.MetricStatus {
	return e.baselines.Snapshot()
}

func (e *Engine) Start(ctx context.Context, in <-chan model.Signal) {
	go func() {
		for {
			select {
			case sig := <-in:
				if _, err := e.Submit(ctx, sig); err != nil && e.logger != nil {
					e.logger.Warn("signal rejected", "signal_type", string(sig.Type), "error", err)
				}
				// deferred scoring runs once the queue drains
				if !e.config().Scoring.EvaluateOnSubmit && len(in) == 0 {
					if _, err := e.Evaluate(ctx); err != nil && e.logger != nil {
						e.logger.Warn("evaluation failed", "error", err)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until background lookups started by the engine finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Submit validates sig, clamps its timestamp, drops duplicates and appends
// it to the signal log. With evaluate_on_submit the engine scores right away;
// otherwise the Start loop scores whenever its input drains.
func (e *Engine) Submit(ctx context.Context, sig model.Signal) (Submission, error) {
	cfg := e.config()
	if !sig.Type.Valid() {
		e.metrics.SignalRejected("unknown_type")
		return Submission{}, fmt.Errorf("%w: %q", model.ErrUnknownSignalType, sig.Type)
	}
	if sig.Type.IsAudit() {
		e.metrics.SignalRejected("audit_type")
		return Submission{}, ErrAuditSignal
	}
	now := e.now().UTC()
	sig.Timestamp = clampTimestamp(sig.Timestamp, now, cfg.Scoring.MaxClockSkew, cfg.Scoring.MaxFutureSkew)
	sig.Processed = false

	if cfg.Scoring.DedupeWindow > 0 && e.deDupe.Seen(fingerprint(sig), now, cfg.Scoring.DedupeWindow) {
		e.metrics.SignalRejected("duplicate")
		return Submission{Signal: sig, Duplicate: true}, nil
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if err := e.store.InsertSignal(ctx, sig); err != nil {
		return Submission{}, fmt.Errorf("engine: store signal: %w", err)
	}
	e.metrics.SignalIngested(string(sig.Type))
	if e.logger != nil {
		e.logger.Debug("signal accepted", "signal_type", string(sig.Type), "id", sig.ID)
	}

	sub := Submission{Signal: sig}
	if cfg.Scoring.EvaluateOnSubmit {
		ev, err := e.Evaluate(ctx)
		if err != nil {
			return sub, err
		}
		sub.Evaluation = &ev
	}
	return sub, nil
}
