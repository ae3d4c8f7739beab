package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"riskguard/internal/model"
)

// DecayPerHour is the fraction of a score that fades every elapsed hour.
const DecayPerHour = 0.10

const maxReasonParts = 3

// DecayFactor is max(0, 1 - 0.10*h). Negative elapsed time counts as zero.
func DecayFactor(hours float64) float64 {
	if hours <= 0 {
		return 1
	}
	return math.Max(0, 1-DecayPerHour*hours)
}

// DecayScore floors prev scaled by the decay factor for hours.
func DecayScore(prev int, hours float64) int {
	if prev <= 0 {
		return 0
	}
	// absorb float error so exact products such as 100*0.7 do not floor to 69
	return int(math.Floor(float64(prev)*DecayFactor(hours) + 1e-9))
}

// Contribution is base scaled by the trust multiplier, rounded up so a
// dampened signal never vanishes.
func Contribution(base int, multiplier float64) int {
	if base <= 0 {
		return 0
	}
	if multiplier >= 1 {
		return base
	}
	return int(math.Ceil(float64(base)*multiplier - 1e-9))
}

type contributor struct {
	signal model.SignalType
	weight int
}

func rankContributors(contribs map[model.SignalType]int) []contributor {
	out := make([]contributor, 0, len(contribs))
	for t, w := range contribs {
		if w > 0 {
			out = append(out, contributor{signal: t, weight: w})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].weight != out[j].weight {
			return out[i].weight > out[j].weight
		}
		return out[i].signal < out[j].signal
	})
	return out
}

// TriggerReason summarizes the dominant contributors, heaviest first.
func TriggerReason(contribs map[model.SignalType]int) string {
	ranked := rankContributors(contribs)
	if len(ranked) == 0 {
		return "no contributing signals"
	}
	parts := make([]string, 0, maxReasonParts+1)
	for i, c := range ranked {
		if i == maxReasonParts {
			parts = append(parts, fmt.Sprintf("and %d more", len(ranked)-maxReasonParts))
			break
		}
		parts = append(parts, fmt.Sprintf("%s (+%d)", c.signal, c.weight))
	}
	return strings.Join(parts, ", ")
}

func decayReason(from, to int, hours float64) string {
	return fmt.Sprintf("decayed from %d to %d after %.1fh", from, to, hours)
}
