package model

import "time"

type RiskLevel string

const (
	LevelNormal   RiskLevel = "NORMAL"
	LevelWarning  RiskLevel = "WARNING"
	LevelHigh     RiskLevel = "HIGH"
	LevelCritical RiskLevel = "CRITICAL"
)

// Lower, inclusive boundaries of each level.
const (
	WarningThreshold  = 40
	HighThreshold     = 70
	CriticalThreshold = 90
)

func LevelFor(score int) RiskLevel {
	switch {
	case score >= CriticalThreshold:
		return LevelCritical
	case score >= HighThreshold:
		return LevelHigh
	case score >= WarningThreshold:
		return LevelWarning
	default:
		return LevelNormal
	}
}

func (l RiskLevel) Rank() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelHigh:
		return 2
	case LevelCritical:
		return 3
	}
	return 0
}

// RiskScore is an immutable snapshot. Derive new records instead of
// mutating a published one.
type RiskScore struct {
	ID            string             `json:"id"`
	Total         int                `json:"total"`
	Level         RiskLevel          `json:"level"`
	Contributions map[SignalType]int `json:"contributions"`
	TriggerReason string             `json:"trigger_reason"`
	Decayed       bool               `json:"decayed"`
	Timestamp     time.Time          `json:"timestamp"`
}

func (s RiskScore) Clone() RiskScore {
	out := s
	if s.Contributions != nil {
		out.Contributions = make(map[SignalType]int, len(s.Contributions))
		for k, v := range s.Contributions {
			out.Contributions[k] = v
		}
	}
	return out
}

type MetricType string

const (
	MetricUsageHours       MetricType = "USAGE_HOURS"
	MetricSessionsPerDay   MetricType = "SESSIONS_PER_DAY"
	MetricSessionDuration  MetricType = "SESSION_DURATION"
	MetricLocationClusters MetricType = "LOCATION_CLUSTERS"
	MetricNetworkPattern   MetricType = "NETWORK_PATTERN"
	MetricLearningDays     MetricType = "LEARNING_DAYS"
)

func MetricTypes() []MetricType {
	return []MetricType{
		MetricUsageHours,
		MetricSessionsPerDay,
		MetricSessionDuration,
		MetricLocationClusters,
		MetricNetworkPattern,
		MetricLearningDays,
	}
}

// Baseline is the persisted row for one metric. Value is opaque outside the
// baseline and codec packages.
type Baseline struct {
	ID               string     `json:"id"`
	Metric           MetricType `json:"metric"`
	Value            []byte     `json:"value"`
	Variance         float64    `json:"variance"`
	Confidence       float64    `json:"confidence"`
	SampleCount      int        `json:"sample_count"`
	LearningComplete bool       `json:"learning_complete"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type LocationCluster struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Hits int     `json:"hits"`
}
