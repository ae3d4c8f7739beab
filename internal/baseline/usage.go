package baseline

import (
	"sort"
	"sync"

	"riskguard/internal/codec"
	"riskguard/internal/stats"
)

const hoursPerDay = 24

// UsageHours is a 24-bucket histogram of local hour-of-day activity.
type UsageHours struct {
	mu              sync.Mutex
	buckets         [hoursPerDay]int
	total           int
	minSamples      int
	saturation      int
	unusualFraction float64
}

type usageState struct {
	Buckets [hoursPerDay]int `json:"buckets"`
}

func NewUsageHours(minSamples, saturation int, unusualFraction float64) *UsageHours {
	return &UsageHours{minSamples: minSamples, saturation: saturation, unusualFraction: unusualFraction}
}

// Learn counts one observation at hour; out-of-range hours are ignored.
func (u *UsageHours) Learn(hour int) {
	if hour < 0 || hour >= hoursPerDay {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.buckets[hour]++
	u.total++
}

// PeakHours returns up to three hours with the highest non-zero counts.
// Ties go to the lower hour.
func (u *UsageHours) PeakHours() []int {
	u.mu.Lock()
	buckets := u.buckets
	u.mu.Unlock()

	hours := make([]int, 0, hoursPerDay)
	for h, c := range buckets {
		if c > 0 {
			hours = append(hours, h)
		}
	}
	sort.SliceStable(hours, func(i, j int) bool {
		if buckets[hours[i]] != buckets[hours[j]] {
			return buckets[hours[i]] > buckets[hours[j]]
		}
		return hours[i] < hours[j]
	})
	if len(hours) > 3 {
		hours = hours[:3]
	}
	return hours
}

func (u *UsageHours) Buckets() [hoursPerDay]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.buckets
}

func (u *UsageHours) SampleCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total
}

func (u *UsageHours) Confidence() float64 {
	return stats.Confidence(u.SampleCount(), u.minSamples, u.saturation)
}

// Evaluate flags an hour whose share of all learned activity is below the
// unusual fraction.
func (u *UsageHours) Evaluate(hour int) Outcome {
	if hour < 0 || hour >= hoursPerDay {
		return OutcomeInsufficient
	}
	u.mu.Lock()
	total := u.total
	count := u.buckets[hour]
	u.mu.Unlock()
	if stats.Confidence(total, u.minSamples, u.saturation) == 0 {
		return OutcomeInsufficient
	}
	if float64(count)/float64(total) < u.unusualFraction {
		return OutcomeAnomaly
	}
	return OutcomeNormal
}

func (u *UsageHours) variance() float64 {
	b := u.Buckets()
	xs := make([]float64, 0, hoursPerDay)
	for _, c := range b {
		xs = append(xs, float64(c))
	}
	return stats.Variance(xs)
}

func (u *UsageHours) marshal() ([]byte, error) {
	return codec.Encode(codec.KindUsageHours, usageState{Buckets: u.Buckets()})
}

func (u *UsageHours) restore(b []byte) error {
	var st usageState
	if err := codec.Decode(codec.KindUsageHours, b, &st); err != nil {
		return err
	}
	total := 0
	for h, c := range st.Buckets {
		if c < 0 {
			st.Buckets[h] = 0
			continue
		}
		total += c
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.buckets = st.Buckets
	u.total = total
	return nil
}
