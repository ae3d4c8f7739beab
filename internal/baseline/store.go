package baseline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"riskguard/internal/model"
)

type Config struct {
	Location             *time.Location
	ClusterRadiusMeters  float64
	LocationMaturityHits int
	LocationMinSamples   int
	LocationSaturation   int
	UsageMinSamples      int
	UsageSaturation      int
	UnusualHourFraction  float64
	CadenceMinDays       int
	CadenceSaturation    int
	DurationMinSamples   int
	DurationSaturation   int
	DurationZThreshold   float64
	NetworkMinSamples    int
	NetworkSaturation    int
	LearningDays         int
}

func DefaultConfig() Config {
	return Config{
		Location:             time.Local,
		ClusterRadiusMeters:  DefaultClusterRadiusMeters,
		LocationMaturityHits: DefaultLocationMaturityHits,
		LocationMinSamples:   0,
		LocationSaturation:   50,
		UsageMinSamples:      20,
		UsageSaturation:      100,
		UnusualHourFraction:  0.02,
		CadenceMinDays:       3,
		CadenceSaturation:    14,
		DurationMinSamples:   10,
		DurationSaturation:   50,
		DurationZThreshold:   3,
		NetworkMinSamples:    5,
		NetworkSaturation:    30,
		LearningDays:         7,
	}
}

// Repository is the slice of persistence the store needs.
type Repository interface {
	UpsertBaseline(ctx context.Context, b model.Baseline) error
	ListBaselines(ctx context.Context) ([]model.Baseline, error)
}

type learner interface {
	Confidence() float64
	marshal() ([]byte, error)
	restore([]byte) error
	variance() float64
}

// MetricStatus is the per-metric progress view for onboarding screens.
type MetricStatus struct {
	Metric           model.MetricType `json:"metric"`
	Confidence       float64          `json:"confidence"`
	SampleCount      int              `json:"sample_count"`
	LearningComplete bool             `json:"learning_complete"`
}

// Observation is what one signal did to the baselines: the metrics it
// touched and the anomalies found before it was learned.
type Observation struct {
	Touched   []model.MetricType
	Anomalies []model.SignalType
}

// learnerSet is one generation of learners built from one Config. A new
// generation replaces the whole set.
type learnerSet struct {
	cfg       Config
	usage     *UsageHours
	cadence   *SessionCadence
	durations *SessionDuration
	locations *LocationClusterer
	networks  *NetworkPattern
	days      *LearningDays
}

func newLearnerSet(c Config) *learnerSet {
	if c.Location == nil {
		c.Location = time.Local
	}
	return &learnerSet{
		cfg:       c,
		usage:     NewUsageHours(c.UsageMinSamples, c.UsageSaturation, c.UnusualHourFraction),
		cadence:   NewSessionCadence(c.CadenceMinDays, c.CadenceSaturation),
		durations: NewSessionDuration(c.DurationMinSamples, c.DurationSaturation, c.DurationZThreshold),
		locations: NewLocationClusterer(c.ClusterRadiusMeters, c.LocationMaturityHits, c.LocationMinSamples, c.LocationSaturation),
		networks:  NewNetworkPattern(c.NetworkMinSamples, c.NetworkSaturation),
		days:      NewLearningDays(c.LearningDays),
	}
}

type Store struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
	set    atomic.Pointer[learnerSet]

	mu  sync.Mutex
	ids map[model.MetricType]string
}

func NewStore(cfg Config, repo Repository, logger *slog.Logger) *Store {
	s := &Store{
		repo:   repo,
		logger: logger,
		now:    time.Now,
		ids:    make(map[model.MetricType]string),
	}
	s.set.Store(newLearnerSet(cfg))
	return s
}

// SetClock replaces the wall clock used for UpdatedAt stamps.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Store) reset() {
	s.set.Store(newLearnerSet(s.set.Load().cfg))
}

// UpdateConfig rebuilds the learners with new thresholds and carries the
// learned state over. It must not run concurrently with Observe.
func (s *Store) UpdateConfig(cfg Config) {
	prev := s.set.Load()
	next := newLearnerSet(cfg)
	for _, m := range model.MetricTypes() {
		b, err := prev.learnerFor(m).marshal()
		if err == nil {
			err = next.learnerFor(m).restore(b)
		}
		if err != nil {
			s.warn("baseline state not carried over", "metric", string(m), "error", err)
		}
	}
	s.set.Store(next)
}

func (s *Store) Config() Config { return s.set.Load().cfg }

func (s *Store) Usage() *UsageHours            { return s.set.Load().usage }
func (s *Store) Cadence() *SessionCadence      { return s.set.Load().cadence }
func (s *Store) Durations() *SessionDuration   { return s.set.Load().durations }
func (s *Store) Locations() *LocationClusterer { return s.set.Load().locations }
func (s *Store) Networks() *NetworkPattern     { return s.set.Load().networks }
func (s *Store) LearningDays() *LearningDays   { return s.set.Load().days }
func (s *Store) TimeZone() *time.Location      { return s.set.Load().cfg.Location }
func (s *Store) LearningComplete() bool        { return s.set.Load().days.Complete() }

func (s *learnerSet) learnerFor(m model.MetricType) learner {
	switch m {
	case model.MetricUsageHours:
		return s.usage
	case model.MetricSessionsPerDay:
		return s.cadence
	case model.MetricSessionDuration:
		return s.durations
	case model.MetricLocationClusters:
		return s.locations
	case model.MetricNetworkPattern:
		return s.networks
	case model.MetricLearningDays:
		return s.days
	}
	return nil
}

func (s *learnerSet) sampleCount(m model.MetricType) int {
	switch m {
	case model.MetricUsageHours:
		return s.usage.SampleCount()
	case model.MetricSessionsPerDay:
		return s.cadence.SampleCount()
	case model.MetricSessionDuration:
		return s.durations.SampleCount()
	case model.MetricLocationClusters:
		return s.locations.TotalHits()
	case model.MetricNetworkPattern:
		return s.networks.SampleCount()
	case model.MetricLearningDays:
		return s.days.Days()
	}
	return 0
}

// Observe evaluates sig against the current baselines and then learns from
// it. Audit and derived signals are ignored.
func (s *Store) Observe(sig model.Signal) Observation {
	var obs Observation
	if sig.Type.IsAudit() || sig.Type.IsDerived() {
		return obs
	}
	ls := s.set.Load()
	local := sig.Timestamp.In(ls.cfg.Location)
	ls.days.Learn(local)
	obs.Touched = append(obs.Touched, model.MetricLearningDays)

	switch sig.Type {
	case model.SignalAppOpened, model.SignalScreenUnlocked:
		if ls.usage.Evaluate(local.Hour()) == OutcomeAnomaly {
			obs.Anomalies = append(obs.Anomalies, model.SignalUnusualUsageTime)
		}
		ls.usage.Learn(local.Hour())
		ls.cadence.Observe(local)
		obs.Touched = append(obs.Touched, model.MetricUsageHours, model.MetricSessionsPerDay)
	case model.SignalAppClosed:
		secs, ok := sessionSeconds(sig)
		if !ok {
			break
		}
		if ls.durations.Evaluate(secs) == OutcomeAnomaly {
			obs.Anomalies = append(obs.Anomalies, model.SignalSessionAnomaly)
		}
		ls.durations.Learn(secs)
		obs.Touched = append(obs.Touched, model.MetricSessionDuration)
	case model.SignalLocationUpdate:
		if sig.Location == nil {
			break
		}
		if ls.locations.EvaluateLocation(sig.Location.Lat, sig.Location.Lng) == OutcomeAnomaly {
			obs.Anomalies = append(obs.Anomalies, model.SignalLocationAnomaly)
		}
		ls.locations.AddLocation(sig.Location.Lat, sig.Location.Lng)
		obs.Touched = append(obs.Touched, model.MetricLocationClusters)
	case model.SignalNetworkChanged:
		id := networkID(sig)
		if id == "" {
			break
		}
		if ls.networks.Evaluate(id) == OutcomeAnomaly {
			obs.Anomalies = append(obs.Anomalies, model.SignalUnknownNetwork)
		}
		ls.networks.Learn(id)
		obs.Touched = append(obs.Touched, model.MetricNetworkPattern)
	}
	return obs
}

func sessionSeconds(sig model.Signal) (float64, bool) {
	if sig.Value != nil {
		return *sig.Value, *sig.Value >= 0
	}
	for _, key := range []string{"duration_sec", "duration_seconds", "duration"} {
		if raw, ok := sig.Metadata[key]; ok {
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err == nil && v >= 0 {
				return v, true
			}
		}
	}
	return 0, false
}

func networkID(sig model.Signal) string {
	for _, key := range []string{"network_id", "bssid", "ssid"} {
		if v := strings.TrimSpace(sig.Metadata[key]); v != "" {
			return v
		}
	}
	return ""
}

// Snapshot reports confidence and maturity for every metric.
func (s *Store) Snapshot() []MetricStatus {
	ls := s.set.Load()
	complete := ls.days.Complete()
	out := make([]MetricStatus, 0, len(model.MetricTypes()))
	for _, m := range model.MetricTypes() {
		out = append(out, MetricStatus{
			Metric:           m,
			Confidence:       ls.learnerFor(m).Confidence(),
			SampleCount:      ls.sampleCount(m),
			LearningComplete: complete,
		})
	}
	return out
}

// Record builds the persisted row for one metric.
func (s *Store) Record(m model.MetricType) (model.Baseline, error) {
	ls := s.set.Load()
	l := ls.learnerFor(m)
	if l == nil {
		return model.Baseline{}, fmt.Errorf("baseline: unknown metric %q", m)
	}
	value, err := l.marshal()
	if err != nil {
		return model.Baseline{}, fmt.Errorf("baseline: encode %s: %w", m, err)
	}
	s.mu.Lock()
	id, ok := s.ids[m]
	if !ok {
		id = uuid.NewString()
		s.ids[m] = id
	}
	s.mu.Unlock()
	return model.Baseline{
		ID:               id,
		Metric:           m,
		Value:            value,
		Variance:         l.variance(),
		Confidence:       l.Confidence(),
		SampleCount:      ls.sampleCount(m),
		LearningComplete: ls.days.Complete(),
		UpdatedAt:        s.now().UTC(),
	}, nil
}

// Persist writes the given metrics. Without a repository it is a no-op.
func (s *Store) Persist(ctx context.Context, metrics ...model.MetricType) error {
	if s.repo == nil {
		return nil
	}
	seen := make(map[model.MetricType]struct{}, len(metrics))
	for _, m := range metrics {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		row, err := s.Record(m)
		if err != nil {
			return err
		}
		if err := s.repo.UpsertBaseline(ctx, row); err != nil {
			return fmt.Errorf("baseline: persist %s: %w", m, err)
		}
	}
	return nil
}

// Load restores learners from the repository and must run before the store
// is shared. A record that cannot be decoded leaves its learner empty; only
// a repository failure is returned.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	rows, err := s.repo.ListBaselines(ctx)
	if err != nil {
		return fmt.Errorf("baseline: load: %w", err)
	}
	s.reset()
	ls := s.set.Load()
	for _, row := range rows {
		l := ls.learnerFor(row.Metric)
		if l == nil {
			s.warn("skipping baseline with unknown metric", "metric", string(row.Metric))
			continue
		}
		if err := l.restore(row.Value); err != nil {
			s.warn("baseline record unreadable, starting empty", "metric", string(row.Metric), "error", err)
			continue
		}
		s.mu.Lock()
		s.ids[row.Metric] = row.ID
		s.mu.Unlock()
	}
	return nil
}

func (s *Store) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
