package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/config"
	"riskguard/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "riskguard.db") + "?_pragma=busy_timeout(5000)"
	sqlite, err := NewSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Init(context.Background()))
			fn(t, s)
		})
	}
}

func signalAt(id string, typ model.SignalType, ts time.Time) model.Signal {
	return model.Signal{ID: id, Type: typ, Timestamp: ts}
}

func TestSignals(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		v := 42.5
		loc := &model.Location{Lat: 40.7128, Lng: -74.006, Accuracy: 12.5}
		require.NoError(t, s.InsertSignal(ctx, model.Signal{
			ID: "a", Type: model.SignalLocationUpdate, Location: loc, Value: &v,
			Metadata: map[string]string{"source": "gps"}, Timestamp: t0,
		}))
		require.NoError(t, s.InsertSignal(ctx, signalAt("b", model.SignalRootDetected, t0.Add(time.Minute))))
		require.NoError(t, s.InsertSignal(ctx, signalAt("c", model.SignalRootDetected, t0.Add(2*time.Minute))))

		byType, err := s.SignalsByType(ctx, model.SignalRootDetected, 1)
		require.NoError(t, err)
		require.Len(t, byType, 1)
		assert.Equal(t, "c", byType[0].ID, "newest first")

		ranged, err := s.SignalsInRange(ctx, t0, t0.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, ranged, 2)
		assert.Equal(t, "a", ranged[0].ID)
		assert.Equal(t, *loc, *ranged[0].Location)
		assert.Equal(t, 42.5, *ranged[0].Value)
		assert.Equal(t, "gps", ranged[0].Metadata["source"])
		assert.True(t, ranged[0].Timestamp.Equal(t0))

		pending, err := s.UnprocessedSignals(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, pending, 3)
		require.NoError(t, s.MarkProcessed(ctx, []string{"a", "b"}))
		pending, err = s.UnprocessedSignals(ctx, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "c", pending[0].ID)

		n, err := s.DeleteSignalsBefore(ctx, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "only rows strictly older than the cutoff")
		count, err := s.CountSignals(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})
}

func TestBaselines(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetBaseline(ctx, model.MetricUsageHours)
		assert.ErrorIs(t, err, ErrNotFound)

		b := model.Baseline{
			ID: "u1", Metric: model.MetricUsageHours, Value: []byte(`{"v":1}`),
			Variance: 1.5, Confidence: 0.25, SampleCount: 40, UpdatedAt: t0,
		}
		require.NoError(t, s.UpsertBaseline(ctx, b))
		b.SampleCount = 41
		b.LearningComplete = true
		require.NoError(t, s.UpsertBaseline(ctx, b))

		got, err := s.GetBaseline(ctx, model.MetricUsageHours)
		require.NoError(t, err)
		assert.Equal(t, 41, got.SampleCount)
		assert.True(t, got.LearningComplete)
		assert.Equal(t, `{"v":1}`, string(got.Value))

		all, err := s.ListBaselines(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestRiskScores(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.LatestRiskScore(ctx)
		assert.ErrorIs(t, err, ErrNotFound)

		first := model.RiskScore{
			ID: "s1", Total: 75, Level: model.LevelHigh, TriggerReason: "ROOT_DETECTED",
			Contributions: map[model.SignalType]int{model.SignalRootDetected: 40, model.SignalSIMChanged: 35},
			Timestamp:     t0,
		}
		second := model.RiskScore{ID: "s2", Total: 45, Level: model.LevelWarning, Decayed: true,
			Contributions: map[model.SignalType]int{}, Timestamp: t0}
		require.NoError(t, s.InsertRiskScore(ctx, first))
		require.NoError(t, s.InsertRiskScore(ctx, second))

		latest, err := s.LatestRiskScore(ctx)
		require.NoError(t, err)
		assert.Equal(t, "s2", latest.ID, "insertion order breaks timestamp ties")
		assert.True(t, latest.Decayed)

		history, err := s.RiskScoresInRange(ctx, t0.Add(-time.Hour), time.Time{})
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, first.Contributions, history[0].Contributions)

		n, err := s.DeleteRiskScoresBefore(ctx, t0.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		count, err := s.CountRiskScores(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestAuditAndTrust(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i, kind := range []string{"alert_sent", "trust_acknowledged", "alert_cooldown"} {
			require.NoError(t, s.InsertAuditEvent(ctx, model.AuditEvent{
				ID: kind, Kind: kind, Message: kind, Score: 70 + i, Level: model.LevelHigh,
				Fields: map[string]string{"n": kind}, Timestamp: t0.Add(time.Duration(i) * time.Minute),
			}))
		}
		events, err := s.AuditEventsInRange(ctx, t0, time.Time{}, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "alert_cooldown", events[0].ID)
		assert.Equal(t, "alert_cooldown", events[0].Fields["n"])

		n, err := s.DeleteAuditEventsBefore(ctx, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		exp := t0.Add(24 * time.Hour)
		require.NoError(t, s.SaveTrustWindow(ctx, model.TrustWindow{Subject: model.TrustRoot, ExpiresAt: &exp}))
		require.NoError(t, s.SaveTrustWindow(ctx, model.TrustWindow{Subject: model.TrustSIMChange}))
		require.NoError(t, s.SaveTrustWindow(ctx, model.TrustWindow{Subject: model.TrustRoot, ExpiresAt: &exp}))
		windows, err := s.ListTrustWindows(ctx)
		require.NoError(t, err)
		require.Len(t, windows, 2)
		assert.Equal(t, model.TrustRoot, windows[0].Subject)
		require.NotNil(t, windows[0].ExpiresAt)
		assert.True(t, windows[0].ExpiresAt.Equal(exp))
		assert.Nil(t, windows[1].ExpiresAt)
	})
}

func TestNewStoreSelectsBackend(t *testing.T) {
	s, err := NewStore(config.StorageConfig{Enabled: false})
	require.NoError(t, err)
	_, ok := s.(*Memory)
	assert.True(t, ok)

	_, err = NewStore(config.StorageConfig{Enabled: true, Driver: "oracle"})
	assert.Error(t, err)
}

func TestPostgresPlaceholders(t *testing.T) {
	s := &sqlStore{d: postgresDialect}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y <= $2", s.q("SELECT a FROM t WHERE x = ? AND y <= ?"))
	lite := &sqlStore{d: sqliteDialect}
	assert.Equal(t, "x = ?", lite.q("x = ?"))
}
