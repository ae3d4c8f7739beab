package alert

import (
	"sync"
	"time"
)

// Cooldown holds the instant before which no alert may be dispatched.
type Cooldown struct {
	mu    sync.Mutex
	until time.Time
}

func (c *Cooldown) Until() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.until
}

// Ready reports whether now has reached the cooldown boundary.
func (c *Cooldown) Ready(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !now.Before(c.until)
}

// Reserve arms the cooldown to now+d if it is ready. The previous boundary
// is returned so a failed dispatch can hand the slot back with Release.
func (c *Cooldown) Reserve(now time.Time, d time.Duration) (armed, prev time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.until) {
		return time.Time{}, c.until, false
	}
	prev = c.until
	c.until = now.Add(d)
	return c.until, prev, true
}

// Release restores prev unless another dispatch re-armed the cooldown since.
func (c *Cooldown) Release(armed, prev time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.until.Equal(armed) {
		c.until = prev
	}
}
