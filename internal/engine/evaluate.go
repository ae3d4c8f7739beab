package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"riskguard/internal/alert"
	"riskguard/internal/model"
)

// Evaluate folds every unprocessed signal into the baselines and scores
// them on top of the decayed previous score. Each signal type contributes
// at most once per pass. Baseline and persistence problems are logged; the
// only error returned is a failure to read the pending signals.
func (e *Engine) Evaluate(ctx context.Context) (Evaluation, error) {
	cfg := e.config()
	started := time.Now()

	e.mu.Lock()
	pending, err := e.store.UnprocessedSignals(ctx, cfg.Scoring.EvaluateBatch)
	if err != nil {
		e.mu.Unlock()
		return Evaluation{}, fmt.Errorf("engine: load pending signals: %w", err)
	}
	now := e.now().UTC()
	if len(pending) == 0 {
		ev := e.decayLocked(ctx, now)
		e.mu.Unlock()
		return ev, nil
	}

	weights := cfg.Scoring.SignalWeights()
	contribs := make(map[model.SignalType]int)
	touched := make(map[model.MetricType]struct{})
	ids := make([]string, 0, len(pending))
	var derived []model.Signal

	score := func(t model.SignalType) {
		if _, done := contribs[t]; done {
			return
		}
		if c := Contribution(weights[t], e.trust.WeightMultiplier(t)); c > 0 {
			contribs[t] = c
		}
	}

	for _, sig := range pending {
		ids = append(ids, sig.ID)
		if sig.Type.IsAudit() {
			continue
		}
		if sig.Type == model.SignalLocationUpdate && sig.Location != nil {
			loc := *sig.Location
			e.lastLoc.Store(&loc)
		}
		obs := e.baselines.Observe(sig)
		for _, m := range obs.Touched {
			touched[m] = struct{}{}
		}
		for _, t := range obs.Anomalies {
			d := e.derive(ctx, sig, t)
			derived = append(derived, d)
			score(t)
		}
		score(sig.Type)
	}

	var ev Evaluation
	if len(contribs) == 0 {
		ev = e.decayLocked(ctx, now)
	} else {
		total := e.anchorTotalLocked(now)
		for _, c := range contribs {
			total += c
		}
		rs := model.RiskScore{
			ID:            uuid.NewString(),
			Total:         total,
			Level:         model.LevelFor(total),
			Contributions: contribs,
			TriggerReason: TriggerReason(contribs),
			Timestamp:     now,
		}
		anchor := rs.Clone()
		e.anchor = &anchor
		e.publishLocked(ctx, rs)
		ev = Evaluation{Score: rs.Clone(), Created: true}
	}
	ev.Processed = len(ids)
	ev.Derived = derived

	if err := e.store.MarkProcessed(ctx, ids); err != nil && e.logger != nil {
		e.logger.Warn("mark processed failed", "count", len(ids), "error", err)
	}
	e.persistBaselines(ctx, touched)
	e.mu.Unlock()

	e.metrics.ObserveEvaluation(time.Since(started).Seconds())
	if ev.Created {
		ev.Alert = e.alertGate(ctx, ev.Score)
	}
	return ev, nil
}

// Decay re-evaluates the current score against elapsed time. A record is
// written only when the decayed total differs from the published one.
func (e *Engine) Decay(ctx context.Context) Evaluation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decayLocked(ctx, e.now().UTC())
}

// anchorTotalLocked is the last evaluated score decayed to now.
func (e *Engine) anchorTotalLocked(now time.Time) int {
	if e.anchor != nil {
		return DecayScore(e.anchor.Total, now.Sub(e.anchor.Timestamp).Hours())
	}
	if cur := e.current.Load(); cur != nil {
		return DecayScore(cur.Total, now.Sub(cur.Timestamp).Hours())
	}
	return 0
}

func (e *Engine) decayLocked(ctx context.Context, now time.Time) Evaluation {
	cur := e.current.Load()
	if cur == nil {
		return Evaluation{}
	}
	base := cur
	if e.anchor != nil {
		base = e.anchor
	}
	hours := now.Sub(base.Timestamp).Hours()
	total := DecayScore(base.Total, hours)
	if total == cur.Total {
		return Evaluation{Score: cur.Clone()}
	}
	rs := model.RiskScore{
		ID:            uuid.NewString(),
		Total:         total,
		Level:         model.LevelFor(total),
		Contributions: base.Clone().Contributions,
		TriggerReason: decayReason(base.Total, total, hours),
		Decayed:       true,
		Timestamp:     now,
	}
	if rs.Contributions == nil {
		rs.Contributions = map[model.SignalType]int{}
	}
	e.publishLocked(ctx, rs)
	return Evaluation{Score: rs.Clone(), Created: true}
}

// publishLocked persists rs and swaps it in as the current snapshot.
func (e *Engine) publishLocked(ctx context.Context, rs model.RiskScore) {
	from := string(model.LevelNormal)
	if prev := e.current.Load(); prev != nil {
		from = string(prev.Level)
	}
	if err := e.store.InsertRiskScore(ctx, rs); err != nil && e.logger != nil {
		e.logger.Warn("risk score persist failed", "score", rs.Total, "error", err)
	}
	snapshot := rs.Clone()
	e.current.Store(&snapshot)
	e.metrics.ObserveScore(rs.Total, from, string(rs.Level))
	if e.hub != nil {
		e.hub.Notify(rs)
	}
	if e.logger != nil {
		if from != string(rs.Level) {
			e.logger.Warn("risk level changed",
				"from", from,
				"to", string(rs.Level),
				"score", rs.Total,
				"decayed", rs.Decayed,
				"trigger_reason", rs.TriggerReason,
			)
		} else {
			e.logger.Info("risk score updated", "score", rs.Total, "level", string(rs.Level), "decayed", rs.Decayed)
		}
	}
}

// derive records an anomaly found while observing src.
func (e *Engine) derive(ctx context.Context, src model.Signal, t model.SignalType) model.Signal {
	d := model.Signal{
		ID:        uuid.NewString(),
		Type:      t,
		Metadata:  map[string]string{"source_signal": src.ID, "source_type": string(src.Type)},
		Timestamp: src.Timestamp,
		Processed: true,
	}
	if src.Location != nil {
		loc := *src.Location
		d.Location = &loc
	}
	if err := e.store.InsertSignal(ctx, d); err != nil && e.logger != nil {
		e.logger.Warn("derived signal persist failed", "signal_type", string(t), "error", err)
	}
	if e.logger != nil {
		e.logger.Info("anomaly detected", "signal_type", string(t), "source_signal", src.ID)
	}
	if t == model.SignalLocationAnomaly && d.Location != nil {
		e.resolvePlace(d)
	}
	return d
}

func (e *Engine) persistBaselines(ctx context.Context, touched map[model.MetricType]struct{}) {
	if len(touched) == 0 {
		return
	}
	rows := make([]model.MetricType, 0, len(touched))
	for _, m := range model.MetricTypes() {
		if _, ok := touched[m]; ok {
			rows = append(rows, m)
		}
	}
	if err := e.baselines.Persist(ctx, rows...); err != nil && e.logger != nil {
		e.logger.Warn("baseline persist failed", "error", err)
	}
	for _, st := range e.baselines.Snapshot() {
		e.metrics.SetBaselineConfidence(string(st.Metric), st.Confidence)
	}
}

func (e *Engine) alertGate(ctx context.Context, rs model.RiskScore) *alert.DispatchResult {
	if e.alerts == nil || !e.alerts.ShouldAlert(rs) {
		return nil
	}
	res := e.alerts.Dispatch(ctx, rs, e.LastKnownLocation())
	return &res
}

// resolvePlace asks the geocoder about an anomalous location when the
// rate limiter allows it. The lookup runs in the background.
func (e *Engine) resolvePlace(sig model.Signal) {
	cfg := e.config()
	if e.geocoder == nil || e.limiter == nil || !cfg.Geocode.Enabled {
		return
	}
	res := e.limiter.Check(cfg.Geocode.Endpoint)
	if !res.Allowed {
		if e.logger != nil {
			e.logger.Info("geocode lookup deferred",
				"endpoint", cfg.Geocode.Endpoint,
				"retry_after_ms", res.RetryAfterMs(),
			)
		}
		return
	}
	timeout := cfg.Geocode.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	lat, lng := sig.Location.Lat, sig.Location.Lng
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		place, err := e.geocoder.Reverse(ctx, lat, lng)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("geocode lookup failed", "error", err)
			}
			return
		}
		if e.audit != nil {
			e.audit.Record(ctx, model.AuditEvent{
				Kind:    "location_anomaly",
				Message: "unfamiliar location: " + place,
				Fields: map[string]string{
					"signal_id": sig.ID,
					"place":     place,
					"lat":       strconv.FormatFloat(lat, 'f', 6, 64),
					"lng":       strconv.FormatFloat(lng, 'f', 6, 64),
				},
			})
		}
	}()
}
