package baseline

import (
	"sync"

	"riskguard/internal/codec"
	"riskguard/internal/model"
	"riskguard/internal/stats"
)

const (
	DefaultClusterRadiusMeters  = 500.0
	DefaultLocationMaturityHits = 8
)

// LocationClusterer groups observed coordinates into clusters. The first
// point seen anchors a cluster's centroid; later hits only bump its count.
type LocationClusterer struct {
	mu           sync.Mutex
	clusters     []model.LocationCluster
	totalHits    int
	radius       float64
	maturityHits int
	minSamples   int
	saturation   int
}

func NewLocationClusterer(radiusMeters float64, maturityHits, minSamples, saturation int) *LocationClusterer {
	if radiusMeters <= 0 {
		radiusMeters = DefaultClusterRadiusMeters
	}
	if maturityHits <= 0 {
		maturityHits = DefaultLocationMaturityHits
	}
	return &LocationClusterer{
		radius:       radiusMeters,
		maturityHits: maturityHits,
		minSamples:   minSamples,
		saturation:   saturation,
	}
}

// nearest returns the index of the closest cluster within the radius, or -1.
// Caller holds mu.
func (l *LocationClusterer) nearest(lat, lng float64) int {
	best := -1
	bestDist := 0.0
	for i, c := range l.clusters {
		d := stats.HaversineDistance(lat, lng, c.Lat, c.Lng)
		if d > l.radius {
			continue
		}
		if best == -1 || d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}

// AddLocation merges the point into the nearest cluster within the radius or
// starts a new one. It reports whether a new cluster was created.
func (l *LocationClusterer) AddLocation(lat, lng float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totalHits++
	if i := l.nearest(lat, lng); i >= 0 {
		l.clusters[i].Hits++
		return false
	}
	l.clusters = append(l.clusters, model.LocationCluster{Lat: lat, Lng: lng, Hits: 1})
	return true
}

// IsLocationKnown ignores maturity.
func (l *LocationClusterer) IsLocationKnown(lat, lng float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nearest(lat, lng) >= 0
}

// EvaluateLocation answers OutcomeInsufficient until total hits reach the
// maturity threshold.
func (l *LocationClusterer) EvaluateLocation(lat, lng float64) Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nearest(lat, lng) >= 0 {
		if l.totalHits < l.maturityHits {
			return OutcomeInsufficient
		}
		return OutcomeNormal
	}
	if l.totalHits < l.maturityHits {
		return OutcomeInsufficient
	}
	return OutcomeAnomaly
}

func (l *LocationClusterer) IsLocationAnomaly(lat, lng float64) bool {
	return l.EvaluateLocation(lat, lng) == OutcomeAnomaly
}

func (l *LocationClusterer) IsMature() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalHits >= l.maturityHits
}

func (l *LocationClusterer) Clusters() []model.LocationCluster {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.LocationCluster, len(l.clusters))
	copy(out, l.clusters)
	return out
}

func (l *LocationClusterer) TotalHits() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalHits
}

func (l *LocationClusterer) Confidence() float64 {
	return stats.Confidence(l.TotalHits(), l.minSamples, l.saturation)
}

func (l *LocationClusterer) variance() float64 {
	clusters := l.Clusters()
	xs := make([]float64, 0, len(clusters))
	for _, c := range clusters {
		xs = append(xs, float64(c.Hits))
	}
	return stats.Variance(xs)
}

func (l *LocationClusterer) marshal() ([]byte, error) {
	return codec.Encode(codec.KindClusters, l.Clusters())
}

func (l *LocationClusterer) restore(b []byte) error {
	var clusters []model.LocationCluster
	if err := codec.Decode(codec.KindClusters, b, &clusters); err != nil {
		return err
	}
	total := 0
	kept := clusters[:0]
	for _, c := range clusters {
		if c.Hits <= 0 {
			continue
		}
		total += c.Hits
		kept = append(kept, c)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clusters = kept
	l.totalHits = total
	return nil
}
