package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	ddl: []string{
		`CREATE TABLE IF NOT EXISTS signals (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			signal_type TEXT NOT NULL,
			value DOUBLE PRECISION,
			metadata_json TEXT,
			location_json TEXT,
			ts_ms BIGINT NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_ts ON signals(ts_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_type ON signals(signal_type, ts_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_processed ON signals(processed, ts_ms)`,
		`CREATE TABLE IF NOT EXISTS baselines (
			metric TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			value TEXT NOT NULL,
			variance DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			sample_count INTEGER NOT NULL,
			learning_complete INTEGER NOT NULL,
			updated_ms BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS risk_scores (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			total INTEGER NOT NULL,
			level TEXT NOT NULL,
			contributions TEXT NOT NULL,
			trigger_reason TEXT NOT NULL,
			decayed INTEGER NOT NULL,
			ts_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_risk_scores_ts ON risk_scores(ts_ms)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			score INTEGER NOT NULL,
			level TEXT NOT NULL,
			fields_json TEXT,
			ts_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts_ms)`,
		`CREATE TABLE IF NOT EXISTS trust_windows (
			subject TEXT PRIMARY KEY,
			expires_ms BIGINT
		)`,
	},
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/riskguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &sqlStore{baseStore: baseStore{db: db}, d: postgresDialect}, nil
}
