// Package audit keeps the most recent audit events in memory for display
// and export, and forwards each one to an optional persistent sink.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"riskguard/internal/model"
)

const DefaultLimit = 100

type Sink interface {
	InsertAuditEvent(ctx context.Context, ev model.AuditEvent) error
}

// Ring is a bounded FIFO: once full, each Add evicts the oldest event.
type Ring struct {
	mu     sync.RWMutex
	buf    []model.AuditEvent
	head   int
	size   int
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

func NewRing(limit int, sink Sink, logger *slog.Logger) *Ring {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Ring{buf: make([]model.AuditEvent, limit), sink: sink, logger: logger, now: time.Now}
}

// Record fills in ID and timestamp when missing, keeps the event and hands
// it to the sink. Sink failures are logged.
func (r *Ring) Record(ctx context.Context, ev model.AuditEvent) model.AuditEvent {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now().UTC()
	}
	r.Add(ev)
	if r.sink != nil {
		if err := r.sink.InsertAuditEvent(ctx, ev); err != nil && r.logger != nil {
			r.logger.Warn("audit persist failed", "kind", ev.Kind, "error", err)
		}
	}
	return ev
}

func (r *Ring) Add(ev model.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.head + r.size) % len(r.buf)
	if r.size == len(r.buf) {
		r.buf[r.head] = ev
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.buf[idx] = ev
	r.size++
}

// ordered returns events oldest first. Caller holds mu.
func (r *Ring) ordered() []model.AuditEvent {
	out := make([]model.AuditEvent, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

// List returns up to limit of the newest events, oldest first.
func (r *Ring) List(limit int) []model.AuditEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.ordered()
	if limit <= 0 || limit > len(all) {
		return all
	}
	return all[len(all)-limit:]
}

func (r *Ring) Since(ts time.Time) []model.AuditEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.AuditEvent, 0)
	for _, ev := range r.ordered() {
		if !ev.Timestamp.Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.buf {
		r.buf[i] = model.AuditEvent{}
	}
	r.head, r.size = 0, 0
}

// WriteJSONL exports the ring oldest first, one JSON object per line.
func (r *Ring) WriteJSONL(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, ev := range r.List(0) {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}
