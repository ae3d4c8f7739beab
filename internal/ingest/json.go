package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"riskguard/internal/normalize"
)

var errEmptyPayload = errors.New("empty payload")

var (
	typeKeys      = []string{"type", "signal", "signal_type", "event"}
	timestampKeys = []string{"timestamp", "time", "ts"}
	latKeys       = []string{"lat", "latitude"}
	lngKeys       = []string{"lng", "lon", "longitude"}
)

// DecodePayload accepts a single JSON object or an array of objects.
func DecodePayload(data []byte) ([]map[string]interface{}, error) {
	trim := bytes.TrimSpace(data)
	if len(trim) == 0 {
		return nil, errEmptyPayload
	}
	if trim[0] == '[' {
		var list []map[string]interface{}
		if err := json.Unmarshal(trim, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(trim, &obj); err != nil {
		return nil, err
	}
	return []map[string]interface{}{obj}, nil
}

// ParseJSONMap matches keys case-insensitively. A nested "location" object
// and a nested "metadata" object are flattened; every key that is not a
// known field ends up in metadata.
func ParseJSONMap(obj map[string]interface{}) *normalize.Fields {
	flat := make(map[string]string, len(obj))
	meta := map[string]string{}
	for key, val := range obj {
		k := strings.ToLower(strings.TrimSpace(key))
		switch nested := val.(type) {
		case map[string]interface{}:
			for nk, nv := range nested {
				if k == "location" {
					flat[strings.ToLower(nk)] = stringify(nv)
				} else if k == "metadata" {
					meta[nk] = stringify(nv)
				} else {
					meta[k+"."+nk] = stringify(nv)
				}
			}
			continue
		case nil:
			continue
		}
		flat[k] = stringify(val)
	}

	fields := &normalize.Fields{
		ID:        take(flat, "id"),
		Type:      take(flat, typeKeys...),
		Timestamp: take(flat, timestampKeys...),
		Value:     take(flat, "value"),
		Lat:       take(flat, latKeys...),
		Lng:       take(flat, lngKeys...),
		Accuracy:  take(flat, "accuracy"),
	}
	for k, v := range flat {
		meta[k] = v
	}
	if len(meta) > 0 {
		fields.Metadata = meta
	}
	return fields
}

// take returns the first non-empty value among keys and removes every one
// of them from m.
func take(m map[string]string, keys ...string) string {
	var out string
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if out == "" {
				out = strings.TrimSpace(v)
			}
			delete(m, k)
		}
	}
	return out
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
