// Package baseline learns what normal looks like for one device, one metric
// at a time, and answers anomaly questions against what it has learned.
//
// A learner that has not seen enough samples never reports an anomaly: it
// answers OutcomeInsufficient, which callers must not treat as a detection.
package baseline

type Outcome int

const (
	OutcomeInsufficient Outcome = iota
	OutcomeNormal
	OutcomeAnomaly
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNormal:
		return "normal"
	case OutcomeAnomaly:
		return "anomaly"
	default:
		return "insufficient_data"
	}
}
