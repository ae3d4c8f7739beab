package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	ddl: []string{
		`CREATE TABLE IF NOT EXISTS signals (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			signal_type TEXT NOT NULL,
			value REAL,
			metadata_json TEXT,
			location_json TEXT,
			ts_ms INTEGER NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_ts ON signals(ts_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_type ON signals(signal_type, ts_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_processed ON signals(processed, ts_ms)`,
		`CREATE TABLE IF NOT EXISTS baselines (
			metric TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			value TEXT NOT NULL,
			variance REAL NOT NULL,
			confidence REAL NOT NULL,
			sample_count INTEGER NOT NULL,
			learning_complete INTEGER NOT NULL,
			updated_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS risk_scores (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			total INTEGER NOT NULL,
			level TEXT NOT NULL,
			contributions TEXT NOT NULL,
			trigger_reason TEXT NOT NULL,
			decayed INTEGER NOT NULL,
			ts_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_risk_scores_ts ON risk_scores(ts_ms)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			score INTEGER NOT NULL,
			level TEXT NOT NULL,
			fields_json TEXT,
			ts_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts_ms)`,
		`CREATE TABLE IF NOT EXISTS trust_windows (
			subject TEXT PRIMARY KEY,
			expires_ms INTEGER
		)`,
	},
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:riskguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer at a time; sqlite serializes anyway
	db.SetMaxOpenConns(1)
	return &sqlStore{baseStore: baseStore{db: db}, d: sqliteDialect}, nil
}
