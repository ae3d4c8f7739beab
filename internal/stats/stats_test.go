package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var sample = []float64{2, 4, 4, 4, 5, 5, 7, 9}

const (
	nycLat, nycLng = 40.7128, -74.0060
	laLat, laLng   = 34.0522, -118.2437
)

func TestMeanVariance(t *testing.T) {
	assert.Equal(t, 0.0, Mean(nil))
	assert.InDelta(t, 5.0, Mean(sample), 1e-9)
	assert.InDelta(t, 4.0, Variance(sample), 1e-9)
	assert.InDelta(t, 2.0, StandardDeviation(sample), 1e-9)
}

func TestZScoreAndAnomaly(t *testing.T) {
	assert.InDelta(t, 2.0, ZScore(130, 100, 15), 1e-9)
	assert.True(t, IsAnomaly(150, 100, 15, 3))
	assert.False(t, IsAnomaly(130, 100, 15, 3))
	assert.False(t, IsAnomaly(145, 100, 15, 3), "exactly 3 stddevs is not above the threshold")
	assert.False(t, IsAnomaly(100, 100, 0, 3), "flat baseline at the mean")
}

func TestHaversine(t *testing.T) {
	assert.Equal(t, 0.0, HaversineDistance(nycLat, nycLng, nycLat, nycLng))
	d := HaversineDistance(nycLat, nycLng, laLat, laLng)
	assert.GreaterOrEqual(t, d, 3_700_000.0)
	assert.LessOrEqual(t, d, 4_200_000.0)
	assert.InDelta(t, d, HaversineDistance(laLat, laLng, nycLat, nycLng), 1e-6)
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 0.0, Confidence(10, 20, 100))
	assert.Equal(t, 1.0, Confidence(100, 20, 100))
	assert.Equal(t, 1.0, Confidence(250, 20, 100))
	assert.InDelta(t, 0.5, Confidence(60, 20, 100), 1e-9)
	assert.Equal(t, 0.0, Confidence(20, 20, 100))

	prev := 0.0
	for n := 0; n <= 120; n++ {
		c := Confidence(n, 20, 100)
		if c < prev {
			t.Fatalf("confidence decreased at n=%d", n)
		}
		prev = c
	}
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 0.0, Median(nil))
	assert.Equal(t, 3.0, Median([]float64{5, 1, 3}))
	assert.Equal(t, 4.5, Median(sample))
	in := []float64{3, 1, 2}
	Median(in)
	assert.Equal(t, []float64{3, 1, 2}, in)
}

func TestWelfordMatchesPopulationVariance(t *testing.T) {
	var w Welford
	for _, x := range sample {
		w.Add(x)
	}
	assert.InDelta(t, Mean(sample), w.Mean, 1e-9)
	assert.InDelta(t, Variance(sample), w.Variance(), 1e-9)
	assert.InDelta(t, 2.0, w.StdDev(), 1e-9)
}
