package baseline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/model"
)

const (
	nycLat, nycLng       = 40.7128, -74.0060
	laLat, laLng         = 34.0522, -118.2437
	londonLat, londonLng = 51.5074, -0.1278
)

type memRepo struct {
	mu   sync.Mutex
	rows map[model.MetricType]model.Baseline
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[model.MetricType]model.Baseline)}
}

func (r *memRepo) UpsertBaseline(_ context.Context, b model.Baseline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[b.Metric] = b
	return nil
}

func (r *memRepo) ListBaselines(context.Context) ([]model.Baseline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Baseline, 0, len(r.rows))
	for _, b := range r.rows {
		out = append(out, b)
	}
	return out, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	return cfg
}

func newClusterer() *LocationClusterer {
	return NewLocationClusterer(DefaultClusterRadiusMeters, DefaultLocationMaturityHits, 0, 50)
}

func TestLocationMergeWithinRadius(t *testing.T) {
	l := newClusterer()
	l.AddLocation(nycLat, nycLng)
	created := l.AddLocation(nycLat+0.0018, nycLng) // ~200 m north
	clusters := l.Clusters()
	require.Len(t, clusters, 1)
	assert.False(t, created)
	assert.Equal(t, 2, clusters[0].Hits)
	assert.Equal(t, nycLat, clusters[0].Lat, "first point anchors the centroid")
}

func TestLocationDistinctCities(t *testing.T) {
	l := newClusterer()
	l.AddLocation(nycLat, nycLng)
	l.AddLocation(laLat, laLng)
	assert.Len(t, l.Clusters(), 2)
}

func TestLocationAnomalyNeedsMaturity(t *testing.T) {
	l := newClusterer()
	for i := 0; i < 4; i++ {
		l.AddLocation(nycLat, nycLng)
	}
	assert.True(t, l.IsLocationKnown(nycLat, nycLng))
	assert.False(t, l.IsLocationAnomaly(londonLat, londonLng))
	assert.Equal(t, OutcomeInsufficient, l.EvaluateLocation(londonLat, londonLng))

	for i := 0; i < 4; i++ {
		l.AddLocation(laLat, laLng)
	}
	assert.True(t, l.IsMature())
	assert.True(t, l.IsLocationAnomaly(londonLat, londonLng))
	assert.Equal(t, OutcomeNormal, l.EvaluateLocation(laLat, laLng))
}

func TestLocationMaturityIsTunable(t *testing.T) {
	l := NewLocationClusterer(DefaultClusterRadiusMeters, 2, 0, 50)
	l.AddLocation(nycLat, nycLng)
	l.AddLocation(nycLat, nycLng)
	assert.True(t, l.IsLocationAnomaly(londonLat, londonLng))
}

func TestZeroSampleStoreIsInsufficient(t *testing.T) {
	s := NewStore(testConfig(), nil, nil)
	for _, st := range s.Snapshot() {
		assert.Equal(t, 0.0, st.Confidence, string(st.Metric))
		assert.False(t, st.LearningComplete)
	}
	assert.Equal(t, OutcomeInsufficient, s.Usage().Evaluate(3))
	assert.Equal(t, OutcomeInsufficient, s.Durations().Evaluate(10_000))
	assert.Equal(t, OutcomeInsufficient, s.Networks().Evaluate("corp-wifi"))
	assert.Equal(t, OutcomeInsufficient, s.Locations().EvaluateLocation(londonLat, londonLng))
	assert.Equal(t, 0.0, s.Cadence().Average())
}

func TestPeakHours(t *testing.T) {
	u := NewUsageHours(20, 100, 0.02)
	for _, h := range []int{9, 9, 9, 20, 20, 7, 7, 13} {
		u.Learn(h)
	}
	u.Learn(24)
	u.Learn(-1)
	assert.Equal(t, []int{9, 7, 20}, u.PeakHours())
	assert.Equal(t, 8, u.SampleCount())
}

func TestUsageHourAnomaly(t *testing.T) {
	u := NewUsageHours(20, 100, 0.02)
	for i := 0; i < 60; i++ {
		u.Learn(8 + i%10)
	}
	assert.Equal(t, OutcomeAnomaly, u.Evaluate(3))
	assert.Equal(t, OutcomeNormal, u.Evaluate(9))
}

func TestSessionCadenceFoldsCompletedDays(t *testing.T) {
	c := NewSessionCadence(3, 14)
	day := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for d := 0; d < 3; d++ {
		for i := 0; i <= d; i++ {
			c.Observe(day.AddDate(0, 0, d).Add(time.Duration(i) * time.Hour))
		}
	}
	// days with 1 and 2 sessions are complete; the third is still open
	assert.Equal(t, 2, c.SampleCount())
	assert.InDelta(t, 1.5, c.Average(), 1e-9)
}

func TestSessionDurationZScore(t *testing.T) {
	d := NewSessionDuration(10, 50, 3)
	for i := 0; i < 20; i++ {
		d.Learn(100 + float64(i%2)*20)
	}
	assert.InDelta(t, 110, d.Mean(), 1e-9)
	assert.InDelta(t, 10, d.StdDev(), 1e-9)
	assert.Equal(t, OutcomeNormal, d.Evaluate(125))
	assert.Equal(t, OutcomeAnomaly, d.Evaluate(500))
}

func TestLearningDaysComplete(t *testing.T) {
	l := NewLearningDays(7)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for d := 0; d < 6; d++ {
		l.Learn(start.AddDate(0, 0, d))
		l.Learn(start.AddDate(0, 0, d).Add(time.Hour))
	}
	assert.Equal(t, 6, l.Days())
	assert.False(t, l.Complete())
	l.Learn(start.AddDate(0, 0, 6))
	assert.True(t, l.Complete())
}

func TestObserveDerivesLocationAnomaly(t *testing.T) {
	s := NewStore(testConfig(), nil, nil)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	loc := func(lat, lng float64) model.Signal {
		return model.Signal{Type: model.SignalLocationUpdate, Location: &model.Location{Lat: lat, Lng: lng}, Timestamp: ts}
	}
	for i := 0; i < 4; i++ {
		assert.Empty(t, s.Observe(loc(nycLat, nycLng)).Anomalies)
		assert.Empty(t, s.Observe(loc(laLat, laLng)).Anomalies)
	}
	obs := s.Observe(loc(londonLat, londonLng))
	assert.Equal(t, []model.SignalType{model.SignalLocationAnomaly}, obs.Anomalies)
	assert.Contains(t, obs.Touched, model.MetricLocationClusters)
	// London is learned after evaluation
	assert.True(t, s.Locations().IsLocationKnown(londonLat, londonLng))
}

func TestObserveIgnoresDerivedAndAudit(t *testing.T) {
	s := NewStore(testConfig(), nil, nil)
	obs := s.Observe(model.Signal{Type: model.SignalLocationAnomaly, Timestamp: time.Now()})
	assert.Empty(t, obs.Touched)
	obs = s.Observe(model.Signal{Type: model.SignalTrustAcknowledged, Timestamp: time.Now()})
	assert.Empty(t, obs.Touched)
}

func TestObserveUnknownNetwork(t *testing.T) {
	s := NewStore(testConfig(), nil, nil)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	net := func(id string) model.Signal {
		return model.Signal{Type: model.SignalNetworkChanged, Metadata: map[string]string{"ssid": id}, Timestamp: ts}
	}
	for i := 0; i < 6; i++ {
		assert.Empty(t, s.Observe(net("Home")).Anomalies)
	}
	assert.Empty(t, s.Observe(net("home")).Anomalies, "ids are case-insensitive")
	assert.Equal(t, []model.SignalType{model.SignalUnknownNetwork}, s.Observe(net("cafe")).Anomalies)
}

func TestPersistAndLoad(t *testing.T) {
	repo := newMemRepo()
	ctx := context.Background()
	s := NewStore(testConfig(), repo, nil)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return ts })
	for i := 0; i < 5; i++ {
		s.Observe(model.Signal{Type: model.SignalLocationUpdate, Location: &model.Location{Lat: nycLat, Lng: nycLng}, Timestamp: ts})
		s.Observe(model.Signal{Type: model.SignalAppOpened, Timestamp: ts.Add(time.Duration(i) * time.Hour)})
	}
	require.NoError(t, s.Persist(ctx, model.MetricTypes()...))
	require.Len(t, repo.rows, len(model.MetricTypes()))
	row := repo.rows[model.MetricLocationClusters]
	assert.Equal(t, 5, row.SampleCount)
	assert.Equal(t, ts, row.UpdatedAt)

	restored := NewStore(testConfig(), repo, nil)
	require.NoError(t, restored.Load(ctx))
	assert.Equal(t, s.Locations().Clusters(), restored.Locations().Clusters())
	assert.Equal(t, s.Usage().Buckets(), restored.Usage().Buckets())
	assert.Equal(t, 1, restored.LearningDays().Days())

	again, err := restored.Record(model.MetricLocationClusters)
	require.NoError(t, err)
	assert.Equal(t, row.ID, again.ID, "row id survives a reload")
}

func TestLoadMalformedRecordIsZeroConfidence(t *testing.T) {
	repo := newMemRepo()
	repo.rows[model.MetricLocationClusters] = model.Baseline{ID: "x", Metric: model.MetricLocationClusters, Value: []byte("{not json")}
	repo.rows[model.MetricUsageHours] = model.Baseline{ID: "y", Metric: model.MetricUsageHours}

	s := NewStore(testConfig(), repo, nil)
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, 0, s.Locations().TotalHits())
	assert.Equal(t, 0.0, s.Usage().Confidence())
	assert.Equal(t, OutcomeInsufficient, s.Locations().EvaluateLocation(londonLat, londonLng))
}

func TestRecordEveryMetric(t *testing.T) {
	s := NewStore(testConfig(), nil, nil)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Observe(model.Signal{Type: model.SignalAppOpened, Timestamp: ts})
	s.Observe(model.Signal{Type: model.SignalAppOpened, Timestamp: ts.AddDate(0, 0, 1)})
	for _, m := range model.MetricTypes() {
		row, err := s.Record(m)
		require.NoError(t, err, m)
		assert.Equal(t, m, row.Metric)
		assert.NotEmpty(t, row.Value, m)
	}
	days, err := s.Record(model.MetricLearningDays)
	require.NoError(t, err)
	assert.Equal(t, 2, days.SampleCount)
	assert.Zero(t, days.Variance)
}

func TestUpdateConfigKeepsLearnedState(t *testing.T) {
	s := NewStore(testConfig(), nil, nil)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		s.Observe(model.Signal{Type: model.SignalLocationUpdate, Location: &model.Location{Lat: nycLat, Lng: nycLng}, Timestamp: ts})
	}
	assert.Equal(t, OutcomeInsufficient, s.Locations().EvaluateLocation(londonLat, londonLng))

	cfg := testConfig()
	cfg.LocationMaturityHits = 4
	s.UpdateConfig(cfg)
	assert.Equal(t, 4, s.Config().LocationMaturityHits)
	assert.Equal(t, 4, s.Locations().TotalHits(), "learned clusters survive the retune")
	assert.Equal(t, 1, s.LearningDays().Days())
	assert.Equal(t, OutcomeAnomaly, s.Locations().EvaluateLocation(londonLat, londonLng))
	assert.Equal(t, []model.SignalType{model.SignalLocationAnomaly},
		s.Observe(model.Signal{Type: model.SignalLocationUpdate, Location: &model.Location{Lat: londonLat, Lng: londonLng}, Timestamp: ts}).Anomalies)
}
