package baseline

import (
	"sort"
	"strings"
	"sync"
	"time"

	"riskguard/internal/codec"
	"riskguard/internal/stats"
)

// NetworkPattern counts how often each network identifier has been seen.
type NetworkPattern struct {
	mu         sync.Mutex
	seen       map[string]int
	total      int
	minSamples int
	saturation int
}

func NewNetworkPattern(minSamples, saturation int) *NetworkPattern {
	return &NetworkPattern{seen: make(map[string]int), minSamples: minSamples, saturation: saturation}
}

func normalizeNetworkID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func (n *NetworkPattern) Learn(id string) {
	id = normalizeNetworkID(id)
	if id == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen[id]++
	n.total++
}

func (n *NetworkPattern) IsKnown(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seen[normalizeNetworkID(id)] > 0
}

func (n *NetworkPattern) Evaluate(id string) Outcome {
	id = normalizeNetworkID(id)
	if id == "" {
		return OutcomeInsufficient
	}
	n.mu.Lock()
	total := n.total
	known := n.seen[id] > 0
	n.mu.Unlock()
	if stats.Confidence(total, n.minSamples, n.saturation) == 0 {
		return OutcomeInsufficient
	}
	if known {
		return OutcomeNormal
	}
	return OutcomeAnomaly
}

// Networks returns known identifiers, most frequent first.
func (n *NetworkPattern) Networks() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.seen))
	for id := range n.seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if n.seen[out[i]] != n.seen[out[j]] {
			return n.seen[out[i]] > n.seen[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

func (n *NetworkPattern) SampleCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.total
}

func (n *NetworkPattern) Confidence() float64 {
	return stats.Confidence(n.SampleCount(), n.minSamples, n.saturation)
}

func (n *NetworkPattern) variance() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	xs := make([]float64, 0, len(n.seen))
	for _, c := range n.seen {
		xs = append(xs, float64(c))
	}
	return stats.Variance(xs)
}

func (n *NetworkPattern) marshal() ([]byte, error) {
	n.mu.Lock()
	cp := make(map[string]int, len(n.seen))
	for k, v := range n.seen {
		cp[k] = v
	}
	n.mu.Unlock()
	return codec.Encode(codec.KindNetworks, cp)
}

func (n *NetworkPattern) restore(b []byte) error {
	var seen map[string]int
	if err := codec.Decode(codec.KindNetworks, b, &seen); err != nil {
		return err
	}
	clean := make(map[string]int, len(seen))
	total := 0
	for k, v := range seen {
		k = normalizeNetworkID(k)
		if k == "" || v <= 0 {
			continue
		}
		clean[k] += v
		total += v
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = clean
	n.total = total
	return nil
}

// LearningDays tracks the distinct local days with any activity. Learning is
// complete once the required number of days has been observed.
type LearningDays struct {
	mu       sync.Mutex
	days     map[string]struct{}
	required int
}

func NewLearningDays(required int) *LearningDays {
	if required <= 0 {
		required = 7
	}
	return &LearningDays{days: make(map[string]struct{}), required: required}
}

// Learn marks ts's day (ts already in local time).
func (l *LearningDays) Learn(ts time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.days[ts.Format(dayLayout)] = struct{}{}
}

func (l *LearningDays) Days() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.days)
}

func (l *LearningDays) Complete() bool {
	return l.Days() >= l.required
}

func (l *LearningDays) Confidence() float64 {
	return stats.Confidence(l.Days(), 1, l.required)
}

// variance is always 0: a set of distinct days has no spread worth storing.
func (l *LearningDays) variance() float64 { return 0 }

func (l *LearningDays) marshal() ([]byte, error) {
	l.mu.Lock()
	days := make([]string, 0, len(l.days))
	for d := range l.days {
		days = append(days, d)
	}
	l.mu.Unlock()
	sort.Strings(days)
	return codec.Encode(codec.KindLearningDays, days)
}

func (l *LearningDays) restore(b []byte) error {
	var days []string
	if err := codec.Decode(codec.KindLearningDays, b, &days); err != nil {
		return err
	}
	set := make(map[string]struct{}, len(days))
	for _, d := range days {
		if _, err := time.Parse(dayLayout, d); err != nil {
			continue
		}
		set[d] = struct{}{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.days = set
	return nil
}
