package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"riskguard/internal/model"
)

// Memory keeps everything in process. It backs tests and deployments that
// run with storage disabled.
type Memory struct {
	mu        sync.RWMutex
	seq       int64
	signals   []memSignal
	baselines map[model.MetricType]model.Baseline
	scores    []memScore
	audit     []model.AuditEvent
	trust     map[model.TrustSubject]model.TrustWindow
}

type memSignal struct {
	seq int64
	sig model.Signal
}

type memScore struct {
	seq   int64
	score model.RiskScore
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		baselines: make(map[model.MetricType]model.Baseline),
		trust:     make(map[model.TrustSubject]model.TrustWindow),
	}
}

func (m *Memory) Init(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func inRange(ts time.Time, from, to time.Time) bool {
	ms := toMillis(ts)
	return ms >= toMillis(from) && ms <= upperBound(to)
}

func cloneSignal(s model.Signal) model.Signal {
	if s.Metadata != nil {
		md := make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			md[k] = v
		}
		s.Metadata = md
	}
	if s.Location != nil {
		loc := *s.Location
		s.Location = &loc
	}
	if s.Value != nil {
		v := *s.Value
		s.Value = &v
	}
	return s
}

func (m *Memory) InsertSignal(_ context.Context, sig model.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.signals = append(m.signals, memSignal{seq: m.seq, sig: cloneSignal(sig)})
	return nil
}

// sortedSignals returns matching signals oldest first. Caller holds mu.
func (m *Memory) sortedSignals(match func(model.Signal) bool) []memSignal {
	out := make([]memSignal, 0)
	for _, s := range m.signals {
		if match(s.sig) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := toMillis(out[i].sig.Timestamp), toMillis(out[j].sig.Timestamp)
		if ti != tj {
			return ti < tj
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func unwrapSignals(in []memSignal, limit int) []model.Signal {
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	out := make([]model.Signal, 0, len(in))
	for _, s := range in {
		out = append(out, cloneSignal(s.sig))
	}
	return out
}

// SignalsByType returns the most recent signals first.
func (m *Memory) SignalsByType(_ context.Context, t model.SignalType, limit int) ([]model.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := m.sortedSignals(func(s model.Signal) bool { return s.Type == t })
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return unwrapSignals(matched, limit), nil
}

func (m *Memory) SignalsInRange(_ context.Context, from, to time.Time) ([]model.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return unwrapSignals(m.sortedSignals(func(s model.Signal) bool { return inRange(s.Timestamp, from, to) }), 0), nil
}

func (m *Memory) UnprocessedSignals(_ context.Context, limit int) ([]model.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return unwrapSignals(m.sortedSignals(func(s model.Signal) bool { return !s.Processed }), limit), nil
}

func (m *Memory) MarkProcessed(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.signals {
		if _, ok := set[m.signals[i].sig.ID]; ok {
			m.signals[i].sig.Processed = true
		}
	}
	return nil
}

func (m *Memory) DeleteSignalsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := toMillis(cutoff)
	kept := m.signals[:0]
	var n int64
	for _, s := range m.signals {
		if toMillis(s.sig.Timestamp) < c {
			n++
			continue
		}
		kept = append(kept, s)
	}
	m.signals = kept
	return n, nil
}

func (m *Memory) CountSignals(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.signals)), nil
}

func (m *Memory) UpsertBaseline(_ context.Context, b model.Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.Value = append([]byte(nil), b.Value...)
	m.baselines[b.Metric] = b
	return nil
}

func (m *Memory) GetBaseline(_ context.Context, metric model.MetricType) (model.Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.baselines[metric]
	if !ok {
		return model.Baseline{}, ErrNotFound
	}
	b.Value = append([]byte(nil), b.Value...)
	return b, nil
}

func (m *Memory) ListBaselines(context.Context) ([]model.Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Baseline, 0, len(m.baselines))
	for _, b := range m.baselines {
		b.Value = append([]byte(nil), b.Value...)
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out, nil
}

func (m *Memory) InsertRiskScore(_ context.Context, s model.RiskScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.scores = append(m.scores, memScore{seq: m.seq, score: s.Clone()})
	return nil
}

func (m *Memory) sortedScores() []memScore {
	out := make([]memScore, len(m.scores))
	copy(out, m.scores)
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := toMillis(out[i].score.Timestamp), toMillis(out[j].score.Timestamp)
		if ti != tj {
			return ti < tj
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (m *Memory) LatestRiskScore(context.Context) (model.RiskScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sorted := m.sortedScores()
	if len(sorted) == 0 {
		return model.RiskScore{}, ErrNotFound
	}
	return sorted[len(sorted)-1].score.Clone(), nil
}

func (m *Memory) RiskScoresInRange(_ context.Context, from, to time.Time) ([]model.RiskScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.RiskScore, 0)
	for _, s := range m.sortedScores() {
		if inRange(s.score.Timestamp, from, to) {
			out = append(out, s.score.Clone())
		}
	}
	return out, nil
}

func (m *Memory) DeleteRiskScoresBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := toMillis(cutoff)
	kept := m.scores[:0]
	var n int64
	for _, s := range m.scores {
		if toMillis(s.score.Timestamp) < c {
			n++
			continue
		}
		kept = append(kept, s)
	}
	m.scores = kept
	return n, nil
}

func (m *Memory) CountRiskScores(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.scores)), nil
}

func (m *Memory) InsertAuditEvent(_ context.Context, ev model.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, ev)
	return nil
}

// AuditEventsInRange returns the newest events first.
func (m *Memory) AuditEventsInRange(_ context.Context, from, to time.Time, limit int) ([]model.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AuditEvent, 0)
	for i := len(m.audit) - 1; i >= 0; i-- {
		if inRange(m.audit[i].Timestamp, from, to) {
			out = append(out, m.audit[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return toMillis(out[i].Timestamp) > toMillis(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteAuditEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := toMillis(cutoff)
	kept := m.audit[:0]
	var n int64
	for _, ev := range m.audit {
		if toMillis(ev.Timestamp) < c {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	m.audit = kept
	return n, nil
}

func (m *Memory) SaveTrustWindow(_ context.Context, w model.TrustWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trust[w.Subject] = w
	return nil
}

func (m *Memory) ListTrustWindows(context.Context) ([]model.TrustWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.TrustWindow, 0, len(m.trust))
	for _, w := range m.trust {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out, nil
}
