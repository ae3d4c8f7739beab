// Package codec owns every structured field that is stored as an encoded
// blob: contribution maps, location payloads, signal-type lists and the
// per-metric baseline state. Each record is wrapped in a small versioned
// envelope so readers can reject data they do not understand.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"riskguard/internal/model"
)

const Version = 1

const (
	KindContributions = "contributions"
	KindLocation      = "location"
	KindSignalTypes   = "signal_types"
	KindUsageHours    = "usage_hours"
	KindCadence       = "session_cadence"
	KindDuration      = "session_duration"
	KindClusters      = "location_clusters"
	KindNetworks      = "network_pattern"
	KindLearningDays  = "learning_days"
)

var (
	ErrUnsupportedVersion = errors.New("codec: unsupported record version")
	ErrKindMismatch       = errors.New("codec: record kind mismatch")
)

type envelope struct {
	V    int             `json:"v"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func encode(kind string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", kind, err)
	}
	return json.Marshal(envelope{V: Version, Kind: kind, Data: raw})
}

func decode(kind string, b []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("codec: decode %s: %w", kind, err)
	}
	if env.V != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.V)
	}
	if env.Kind != kind {
		return fmt.Errorf("%w: want %s, got %s", ErrKindMismatch, kind, env.Kind)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("codec: decode %s payload: %w", kind, err)
	}
	return nil
}

// EncodeContributions writes a flat signal-type name → integer weight map.
func EncodeContributions(c map[model.SignalType]int) ([]byte, error) {
	flat := make(map[string]int, len(c))
	for k, v := range c {
		flat[string(k)] = v
	}
	return encode(KindContributions, flat)
}

// DecodeContributions drops entries whose names are no longer known signal
// types.
func DecodeContributions(b []byte) (map[model.SignalType]int, error) {
	var flat map[string]int
	if err := decode(KindContributions, b, &flat); err != nil {
		return nil, err
	}
	out := make(map[model.SignalType]int, len(flat))
	for k, v := range flat {
		t, err := model.ParseSignalType(k)
		if err != nil {
			continue
		}
		out[t] = v
	}
	return out, nil
}

func EncodeLocation(loc model.Location) ([]byte, error) {
	return encode(KindLocation, loc)
}

func DecodeLocation(b []byte) (model.Location, error) {
	var loc model.Location
	err := decode(KindLocation, b, &loc)
	return loc, err
}

// EncodeSignalTypes writes a sorted, de-duplicated list of names.
func EncodeSignalTypes(types []model.SignalType) ([]byte, error) {
	seen := make(map[string]struct{}, len(types))
	names := make([]string, 0, len(types))
	for _, t := range types {
		if _, ok := seen[string(t)]; ok {
			continue
		}
		seen[string(t)] = struct{}{}
		names = append(names, string(t))
	}
	sort.Strings(names)
	return encode(KindSignalTypes, names)
}

func DecodeSignalTypes(b []byte) ([]model.SignalType, error) {
	var names []string
	if err := decode(KindSignalTypes, b, &names); err != nil {
		return nil, err
	}
	out := make([]model.SignalType, 0, len(names))
	for _, n := range names {
		t, err := model.ParseSignalType(n)
		if err != nil {
			return nil, fmt.Errorf("codec: signal type %q: %w", n, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Encode and Decode are used by the baseline learners for their own state
// structs; kind is one of the Kind* metric constants.
func Encode(kind string, state any) ([]byte, error) {
	return encode(kind, state)
}

func Decode(kind string, b []byte, state any) error {
	if len(b) == 0 {
		return fmt.Errorf("codec: decode %s: empty record", kind)
	}
	return decode(kind, b, state)
}

// KindForMetric maps a baseline metric to its record kind.
func KindForMetric(m model.MetricType) (string, bool) {
	switch m {
	case model.MetricUsageHours:
		return KindUsageHours, true
	case model.MetricSessionsPerDay:
		return KindCadence, true
	case model.MetricSessionDuration:
		return KindDuration, true
	case model.MetricLocationClusters:
		return KindClusters, true
	case model.MetricNetworkPattern:
		return KindNetworks, true
	case model.MetricLearningDays:
		return KindLearningDays, true
	}
	return "", false
}
