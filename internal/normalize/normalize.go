// Package normalize turns loosely typed detector payloads into signals.
package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"riskguard/internal/model"
)

// Fields is a detector payload after key matching, before validation.
type Fields struct {
	ID        string
	Type      string
	Timestamp string
	Value     string
	Lat       string
	Lng       string
	Accuracy  string
	Metadata  map[string]string
}

var (
	ErrMissingType     = errors.New("signal type missing")
	ErrPartialLocation = errors.New("location needs both lat and lng")
)

// Normalize validates fields. A missing timestamp stays zero so the engine
// stamps the signal on arrival. Zone-less timestamps are read in loc.
func Normalize(fields Fields, loc *time.Location) (model.Signal, error) {
	if loc == nil {
		loc = time.UTC
	}
	rawType := strings.TrimSpace(fields.Type)
	if rawType == "" {
		return model.Signal{}, ErrMissingType
	}
	typ, err := model.ParseSignalType(rawType)
	if err != nil {
		return model.Signal{}, fmt.Errorf("%w: %q", err, rawType)
	}
	sig := model.Signal{ID: strings.TrimSpace(fields.ID), Type: typ}

	if strings.TrimSpace(fields.Timestamp) != "" {
		ts, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.Signal{}, fmt.Errorf("parse timestamp: %w", err)
		}
		sig.Timestamp = ts.UTC()
	}
	if v := strings.TrimSpace(fields.Value); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return model.Signal{}, fmt.Errorf("parse value: %w", err)
		}
		sig.Value = &f
	}
	where, err := parseLocation(fields)
	if err != nil {
		return model.Signal{}, err
	}
	sig.Location = where
	if len(fields.Metadata) > 0 {
		sig.Metadata = make(map[string]string, len(fields.Metadata))
		for k, v := range fields.Metadata {
			sig.Metadata[k] = v
		}
	}
	return sig, nil
}

func parseLocation(fields Fields) (*model.Location, error) {
	lat, lng := strings.TrimSpace(fields.Lat), strings.TrimSpace(fields.Lng)
	if lat == "" && lng == "" {
		return nil, nil
	}
	if lat == "" || lng == "" {
		return nil, ErrPartialLocation
	}
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil || la < -90 || la > 90 {
		return nil, fmt.Errorf("invalid latitude %q", lat)
	}
	ln, err := strconv.ParseFloat(lng, 64)
	if err != nil || ln < -180 || ln > 180 {
		return nil, fmt.Errorf("invalid longitude %q", lng)
	}
	out := &model.Location{Lat: la, Lng: ln}
	if acc := strings.TrimSpace(fields.Accuracy); acc != "" {
		a, err := strconv.ParseFloat(acc, 32)
		if err != nil || a < 0 {
			return nil, fmt.Errorf("invalid accuracy %q", acc)
		}
		out.Accuracy = float32(a)
	}
	return out, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
}

// ParseTimestamp accepts RFC 3339 variants and unix seconds or
// milliseconds.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		return parseUnix(value)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

// parseUnix reads 13+ digit values as milliseconds.
func parseUnix(value string) (time.Time, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if len(value) >= 13 {
		return time.UnixMilli(n).UTC(), nil
	}
	return time.Unix(n, 0).UTC(), nil
}
