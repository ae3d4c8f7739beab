package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"riskguard/internal/config"
	"riskguard/internal/model"
)

var ErrNotFound = errors.New("storage: not found")

// Store persists the entities the engine works with. Range queries are
// inclusive on both ends; a zero "to" means no upper bound. Deletes remove
// rows strictly older than the cutoff.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	InsertSignal(ctx context.Context, sig model.Signal) error
	SignalsByType(ctx context.Context, t model.SignalType, limit int) ([]model.Signal, error)
	SignalsInRange(ctx context.Context, from, to time.Time) ([]model.Signal, error)
	UnprocessedSignals(ctx context.Context, limit int) ([]model.Signal, error)
	MarkProcessed(ctx context.Context, ids []string) error
	DeleteSignalsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountSignals(ctx context.Context) (int64, error)

	UpsertBaseline(ctx context.Context, b model.Baseline) error
	GetBaseline(ctx context.Context, metric model.MetricType) (model.Baseline, error)
	ListBaselines(ctx context.Context) ([]model.Baseline, error)

	InsertRiskScore(ctx context.Context, s model.RiskScore) error
	LatestRiskScore(ctx context.Context) (model.RiskScore, error)
	RiskScoresInRange(ctx context.Context, from, to time.Time) ([]model.RiskScore, error)
	DeleteRiskScoresBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountRiskScores(ctx context.Context) (int64, error)

	InsertAuditEvent(ctx context.Context, ev model.AuditEvent) error
	AuditEventsInRange(ctx context.Context, from, to time.Time, limit int) ([]model.AuditEvent, error)
	DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	SaveTrustWindow(ctx context.Context, w model.TrustWindow) error
	ListTrustWindows(ctx context.Context) ([]model.TrustWindow, error)
}

// NewStore picks the backend. A disabled storage section yields the
// in-memory store.
func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return NewMemory(), nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func upperBound(to time.Time) int64 {
	if to.IsZero() {
		return math.MaxInt64
	}
	return toMillis(to)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
