package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"riskguard/internal/codec"
	"riskguard/internal/model"
)

type dialect struct {
	name string
	ddl  []string
	// postgres wants $1..$n where sqlite takes ?
	numbered bool
}

// sqlStore is the one SQL implementation; sqlite and postgres differ only
// in DDL and placeholder style.
type sqlStore struct {
	baseStore
	d dialect
}

func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	for _, stmt := range s.d.ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: %s init: %w", s.d.name, err)
		}
	}
	return nil
}

const signalColumns = `id, signal_type, value, metadata_json, location_json, ts_ms, processed`

func (s *sqlStore) InsertSignal(ctx context.Context, sig model.Signal) error {
	var value sql.NullFloat64
	if sig.Value != nil {
		value = sql.NullFloat64{Float64: *sig.Value, Valid: true}
	}
	var location sql.NullString
	if sig.Location != nil {
		b, err := codec.EncodeLocation(*sig.Location)
		if err != nil {
			return err
		}
		location = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO signals (`+signalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		sig.ID,
		string(sig.Type),
		value,
		encodeJSON(sig.Metadata),
		location,
		toMillis(sig.Timestamp),
		boolInt(sig.Processed),
	)
	return err
}

func (s *sqlStore) querySignals(ctx context.Context, query string, args ...any) ([]model.Signal, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Signal, 0)
	for rows.Next() {
		var (
			sig       model.Signal
			typ       string
			value     sql.NullFloat64
			metadata  sql.NullString
			location  sql.NullString
			tsMs      int64
			processed int
		)
		if err := rows.Scan(&sig.ID, &typ, &value, &metadata, &location, &tsMs, &processed); err != nil {
			return nil, err
		}
		sig.Type = model.SignalType(typ)
		if value.Valid {
			v := value.Float64
			sig.Value = &v
		}
		if metadata.Valid && metadata.String != "" && metadata.String != "null" {
			_ = json.Unmarshal([]byte(metadata.String), &sig.Metadata)
		}
		if location.Valid {
			if loc, err := codec.DecodeLocation([]byte(location.String)); err == nil {
				sig.Location = &loc
			}
		}
		sig.Timestamp = fromMillis(tsMs)
		sig.Processed = processed != 0
		out = append(out, sig)
	}
	return out, rows.Err()
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(limit)
}

func (s *sqlStore) SignalsByType(ctx context.Context, t model.SignalType, limit int) ([]model.Signal, error) {
	return s.querySignals(ctx, `SELECT `+signalColumns+` FROM signals WHERE signal_type = ?
		ORDER BY ts_ms DESC, seq DESC`+limitClause(limit), string(t))
}

func (s *sqlStore) SignalsInRange(ctx context.Context, from, to time.Time) ([]model.Signal, error) {
	return s.querySignals(ctx, `SELECT `+signalColumns+` FROM signals WHERE ts_ms >= ? AND ts_ms <= ?
		ORDER BY ts_ms ASC, seq ASC`, toMillis(from), upperBound(to))
}

func (s *sqlStore) UnprocessedSignals(ctx context.Context, limit int) ([]model.Signal, error) {
	return s.querySignals(ctx, `SELECT `+signalColumns+` FROM signals WHERE processed = 0
		ORDER BY ts_ms ASC, seq ASC`+limitClause(limit))
}

func (s *sqlStore) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, s.q(`UPDATE signals SET processed = 1 WHERE id = ?`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) deleteBefore(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE ts_ms < ?`), toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlStore) count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n)
	return n, err
}

func (s *sqlStore) DeleteSignalsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteBefore(ctx, "signals", cutoff)
}

func (s *sqlStore) CountSignals(ctx context.Context) (int64, error) {
	return s.count(ctx, "signals")
}

const baselineColumns = `id, metric, value, variance, confidence, sample_count, learning_complete, updated_ms`

func (s *sqlStore) UpsertBaseline(ctx context.Context, b model.Baseline) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO baselines (`+baselineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (metric) DO UPDATE SET
			id = excluded.id,
			value = excluded.value,
			variance = excluded.variance,
			confidence = excluded.confidence,
			sample_count = excluded.sample_count,
			learning_complete = excluded.learning_complete,
			updated_ms = excluded.updated_ms`),
		b.ID,
		string(b.Metric),
		string(b.Value),
		b.Variance,
		b.Confidence,
		b.SampleCount,
		boolInt(b.LearningComplete),
		toMillis(b.UpdatedAt),
	)
	return err
}

func scanBaseline(scan func(...any) error) (model.Baseline, error) {
	var (
		b        model.Baseline
		metric   string
		value    string
		complete int
		updated  int64
	)
	if err := scan(&b.ID, &metric, &value, &b.Variance, &b.Confidence, &b.SampleCount, &complete, &updated); err != nil {
		return model.Baseline{}, err
	}
	b.Metric = model.MetricType(metric)
	b.Value = []byte(value)
	b.LearningComplete = complete != 0
	b.UpdatedAt = fromMillis(updated)
	return b, nil
}

func (s *sqlStore) GetBaseline(ctx context.Context, metric model.MetricType) (model.Baseline, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+baselineColumns+` FROM baselines WHERE metric = ?`), string(metric))
	b, err := scanBaseline(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Baseline{}, ErrNotFound
	}
	return b, err
}

func (s *sqlStore) ListBaselines(ctx context.Context) ([]model.Baseline, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+baselineColumns+` FROM baselines ORDER BY metric`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Baseline, 0)
	for rows.Next() {
		b, err := scanBaseline(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const scoreColumns = `id, total, level, contributions, trigger_reason, decayed, ts_ms`

func (s *sqlStore) InsertRiskScore(ctx context.Context, rs model.RiskScore) error {
	contributions, err := codec.EncodeContributions(rs.Contributions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO risk_scores (`+scoreColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		rs.ID,
		rs.Total,
		string(rs.Level),
		string(contributions),
		rs.TriggerReason,
		boolInt(rs.Decayed),
		toMillis(rs.Timestamp),
	)
	return err
}

func scanScore(scan func(...any) error) (model.RiskScore, error) {
	var (
		rs       model.RiskScore
		level    string
		contribs string
		decayed  int
		tsMs     int64
	)
	if err := scan(&rs.ID, &rs.Total, &level, &contribs, &rs.TriggerReason, &decayed, &tsMs); err != nil {
		return model.RiskScore{}, err
	}
	rs.Level = model.RiskLevel(level)
	rs.Decayed = decayed != 0
	rs.Timestamp = fromMillis(tsMs)
	if m, err := codec.DecodeContributions([]byte(contribs)); err == nil {
		rs.Contributions = m
	} else {
		rs.Contributions = map[model.SignalType]int{}
	}
	return rs, nil
}

func (s *sqlStore) LatestRiskScore(ctx context.Context) (model.RiskScore, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scoreColumns+` FROM risk_scores ORDER BY ts_ms DESC, seq DESC LIMIT 1`)
	rs, err := scanScore(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RiskScore{}, ErrNotFound
	}
	return rs, err
}

func (s *sqlStore) RiskScoresInRange(ctx context.Context, from, to time.Time) ([]model.RiskScore, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+scoreColumns+` FROM risk_scores
		WHERE ts_ms >= ? AND ts_ms <= ? ORDER BY ts_ms ASC, seq ASC`), toMillis(from), upperBound(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.RiskScore, 0)
	for rows.Next() {
		rs, err := scanScore(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteRiskScoresBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteBefore(ctx, "risk_scores", cutoff)
}

func (s *sqlStore) CountRiskScores(ctx context.Context) (int64, error) {
	return s.count(ctx, "risk_scores")
}

func (s *sqlStore) InsertAuditEvent(ctx context.Context, ev model.AuditEvent) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO audit_events (id, kind, message, score, level, fields_json, ts_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ev.ID,
		ev.Kind,
		ev.Message,
		ev.Score,
		string(ev.Level),
		encodeJSON(ev.Fields),
		toMillis(ev.Timestamp),
	)
	return err
}

func (s *sqlStore) AuditEventsInRange(ctx context.Context, from, to time.Time, limit int) ([]model.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, kind, message, score, level, fields_json, ts_ms FROM audit_events
		WHERE ts_ms >= ? AND ts_ms <= ? ORDER BY ts_ms DESC, seq DESC`+limitClause(limit)), toMillis(from), upperBound(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.AuditEvent, 0)
	for rows.Next() {
		var (
			ev     model.AuditEvent
			level  string
			fields sql.NullString
			tsMs   int64
		)
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.Message, &ev.Score, &level, &fields, &tsMs); err != nil {
			return nil, err
		}
		ev.Level = model.RiskLevel(level)
		if fields.Valid && fields.String != "" && fields.String != "null" {
			_ = json.Unmarshal([]byte(fields.String), &ev.Fields)
		}
		ev.Timestamp = fromMillis(tsMs)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteBefore(ctx, "audit_events", cutoff)
}

func (s *sqlStore) SaveTrustWindow(ctx context.Context, w model.TrustWindow) error {
	var expires sql.NullInt64
	if w.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: toMillis(*w.ExpiresAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO trust_windows (subject, expires_ms) VALUES (?, ?)
		ON CONFLICT (subject) DO UPDATE SET expires_ms = excluded.expires_ms`),
		string(w.Subject), expires)
	return err
}

func (s *sqlStore) ListTrustWindows(ctx context.Context) ([]model.TrustWindow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT subject, expires_ms FROM trust_windows ORDER BY subject`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.TrustWindow, 0)
	for rows.Next() {
		var (
			subject string
			expires sql.NullInt64
		)
		if err := rows.Scan(&subject, &expires); err != nil {
			return nil, err
		}
		w := model.TrustWindow{Subject: model.TrustSubject(subject)}
		if expires.Valid {
			t := fromMillis(expires.Int64)
			w.ExpiresAt = &t
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
