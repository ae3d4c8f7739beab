package engine

import (
	"strconv"
	"testing"
	"time"
)

func TestDedupeSeenWithinWindow(t *testing.T) {
	d := NewDedupeCache()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if d.Seen("a", now, time.Minute) {
		t.Fatalf("first sighting is not a duplicate")
	}
	if !d.Seen("a", now.Add(time.Minute), time.Minute) {
		t.Fatalf("expected duplicate at the window edge")
	}
	if d.Seen("a", now.Add(2*time.Minute+time.Second), time.Minute) {
		t.Fatalf("expected the entry to expire after the window")
	}
}

func TestDedupeSweepsAtMostOncePerWindow(t *testing.T) {
	d := newDedupeCache(4)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ttl := time.Minute

	// a burst of unique keys inside one window
	for i := 0; i < 50; i++ {
		d.Seen("burst-"+strconv.Itoa(i), now.Add(time.Duration(i)*time.Millisecond), ttl)
	}
	if d.sweeps != 1 {
		t.Fatalf("expected one sweep during the burst, got %d", d.sweeps)
	}
	if d.Len() != 50 {
		t.Fatalf("nothing has expired yet, got %d entries", d.Len())
	}

	later := now.Add(2 * ttl)
	d.Seen("after", later, ttl)
	if d.sweeps != 2 {
		t.Fatalf("expected a second sweep once a window passed, got %d", d.sweeps)
	}
	if d.Len() != 1 {
		t.Fatalf("expected only the fresh key to survive, got %d", d.Len())
	}
}
