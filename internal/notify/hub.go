// Package notify fans out each new risk score to subscribers. Subscribers
// get the latest score as soon as they subscribe, so polling and push
// consumers see the same value.
package notify

import (
	"sync"

	"riskguard/internal/model"
)

type Listener func(model.RiskScore)

type Hub struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
	latest    *model.RiskScore
}

func NewHub() *Hub {
	return &Hub{listeners: make(map[int]Listener)}
}

// Subscribe registers fn and, when a score exists, calls it once with the
// latest value before returning.
func (h *Hub) Subscribe(fn Listener) int {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.listeners[id] = fn
	var latest *model.RiskScore
	if h.latest != nil {
		cp := h.latest.Clone()
		latest = &cp
	}
	h.mu.Unlock()
	if latest != nil {
		fn(*latest)
	}
	return id
}

func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	delete(h.listeners, id)
	h.mu.Unlock()
}

// Notify replaces the latest score and calls every listener with its own
// copy. Listeners run on the caller's goroutine and must not block.
func (h *Hub) Notify(score model.RiskScore) {
	stored := score.Clone()
	h.mu.Lock()
	h.latest = &stored
	fns := make([]Listener, 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(score.Clone())
	}
}

func (h *Hub) Latest() (model.RiskScore, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		return model.RiskScore{}, false
	}
	return h.latest.Clone(), true
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}
