package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"riskguard/internal/model"
)

const dedupeCompactAt = 10000

// DedupeCache remembers signal fingerprints for a short window so a
// detector that fires twice for one event is counted once.
type DedupeCache struct {
	mu        sync.Mutex
	items     map[string]time.Time
	compactAt int
	lastSweep time.Time
	sweeps    int
}

func NewDedupeCache() *DedupeCache {
	return newDedupeCache(dedupeCompactAt)
}

func newDedupeCache(compactAt int) *DedupeCache {
	return &DedupeCache{items: make(map[string]time.Time), compactAt: compactAt}
}

func (d *DedupeCache) Seen(key string, now time.Time, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[key]; ok {
		if now.Sub(ts) <= ttl {
			return true
		}
	}
	d.items[key] = now
	// sweep an oversized map at most once per ttl
	if len(d.items) > d.compactAt && now.Sub(d.lastSweep) >= ttl {
		d.compact(now, ttl)
	}
	return false
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, ts := range d.items {
		if now.Sub(ts) > ttl {
			delete(d.items, k)
		}
	}
	d.lastSweep = now
	d.sweeps++
}

func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// fingerprint ignores the signal ID so resubmissions collapse.
func fingerprint(sig model.Signal) string {
	parts := []string{string(sig.Type), sig.Timestamp.UTC().Format(time.RFC3339Nano)}
	if sig.Value != nil {
		parts = append(parts, "v="+strconv.FormatFloat(*sig.Value, 'g', -1, 64))
	}
	if sig.Location != nil {
		parts = append(parts, "loc="+
			strconv.FormatFloat(sig.Location.Lat, 'f', 6, 64)+","+
			strconv.FormatFloat(sig.Location.Lng, 'f', 6, 64))
	}
	keys := make([]string, 0, len(sig.Metadata))
	for k := range sig.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+sig.Metadata[k])
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}

func clampTimestamp(ts, now time.Time, maxPast, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	if maxPast > 0 {
		if now.Sub(ts) > maxPast {
			return now
		}
	}
	if maxFuture > 0 {
		if ts.Sub(now) > maxFuture {
			return now
		}
	}
	return ts
}
