// Package maintenance runs the periodic jobs: score decay and retention
// cleanup. Cleanup only removes rows strictly older than each cutoff, so it
// needs no coordination with ingestion.
package maintenance

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"riskguard/internal/config"
	"riskguard/internal/engine"
	"riskguard/internal/metrics"
)

type Store interface {
	DeleteSignalsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteRiskScoresBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Decayer interface {
	Decay(ctx context.Context) engine.Evaluation
}

type Report struct {
	Decayed bool             `json:"decayed"`
	Score   int              `json:"score"`
	Deleted map[string]int64 `json:"deleted"`
}

type Runner struct {
	cfg     atomic.Pointer[config.MaintenanceConfig]
	store   Store
	decayer Decayer
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func New(cfg config.MaintenanceConfig, store Store, decayer Decayer, m *metrics.Metrics, logger *slog.Logger) *Runner {
	r := &Runner{store: store, decayer: decayer, metrics: m, logger: logger, now: time.Now}
	r.UpdateConfig(cfg)
	return r
}

func (r *Runner) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

func (r *Runner) UpdateConfig(cfg config.MaintenanceConfig) {
	r.cfg.Store(&cfg)
}

// RunOnce decays the current score, then applies retention. A zero
// retention keeps that table forever.
func (r *Runner) RunOnce(ctx context.Context) Report {
	cfg := *r.cfg.Load()
	rep := Report{Deleted: map[string]int64{}}
	if r.decayer != nil {
		ev := r.decayer.Decay(ctx)
		rep.Decayed = ev.Created
		rep.Score = ev.Score.Total
	}
	if r.store == nil {
		return rep
	}
	now := r.now().UTC()
	jobs := []struct {
		table     string
		retention time.Duration
		del       func(context.Context, time.Time) (int64, error)
	}{
		{"signals", cfg.SignalRetention, r.store.DeleteSignalsBefore},
		{"risk_scores", cfg.ScoreRetention, r.store.DeleteRiskScoresBefore},
		{"audit_events", cfg.AuditRetention, r.store.DeleteAuditEventsBefore},
	}
	for _, job := range jobs {
		if job.retention <= 0 {
			continue
		}
		n, err := job.del(ctx, now.Add(-job.retention))
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("retention cleanup failed", "table", job.table, "error", err)
			}
			continue
		}
		rep.Deleted[job.table] = n
		r.metrics.RowsDeleted(job.table, n)
	}
	if r.logger != nil {
		r.logger.Debug("maintenance run", "decayed", rep.Decayed, "score", rep.Score, "deleted", rep.Deleted)
	}
	return rep
}

func (r *Runner) Start(ctx context.Context) {
	go func() {
		interval := r.cfg.Load().Interval
		if interval <= 0 {
			interval = 15 * time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.RunOnce(ctx)
				if next := r.cfg.Load().Interval; next > 0 && next != interval {
					interval = next
					ticker.Reset(interval)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
