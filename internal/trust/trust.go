// Package trust holds the user's time-boxed acknowledgments that a known
// condition (a rooted device, a swapped SIM) is expected. An active window
// halves the weight of the matching signals; it never removes them.
package trust

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"riskguard/internal/model"
)

const (
	DefaultDuration   = 24 * time.Hour
	DefaultMultiplier = 0.5
)

var ErrUnknownSubject = errors.New("trust: unknown subject")

// SignalSink receives the audit signals for acknowledge and revoke.
type SignalSink interface {
	InsertSignal(ctx context.Context, sig model.Signal) error
}

type WindowStore interface {
	SaveTrustWindow(ctx context.Context, w model.TrustWindow) error
	ListTrustWindows(ctx context.Context) ([]model.TrustWindow, error)
}

type Options struct {
	Duration   time.Duration
	Multiplier float64
	Now        func() time.Time
	Sink       SignalSink
	Store      WindowStore
	Logger     *slog.Logger
}

// state is never mutated after it is published.
type state map[model.TrustSubject]time.Time

// tuning is the reloadable part of Options.
type tuning struct {
	duration   time.Duration
	multiplier float64
}

type Overlay struct {
	opts   Options
	mu     sync.Mutex
	state  atomic.Pointer[state]
	tuning atomic.Pointer[tuning]
}

func NewOverlay(opts Options) *Overlay {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	o := &Overlay{opts: opts}
	empty := state{}
	o.state.Store(&empty)
	o.UpdateSettings(opts.Duration, opts.Multiplier)
	return o
}

// UpdateSettings retunes the window length and the damping multiplier.
// Open windows keep their expiry; the new length applies to the next
// acknowledgment.
func (o *Overlay) UpdateSettings(duration time.Duration, multiplier float64) {
	if duration <= 0 {
		duration = DefaultDuration
	}
	if multiplier <= 0 || multiplier > 1 {
		multiplier = DefaultMultiplier
	}
	o.tuning.Store(&tuning{duration: duration, multiplier: multiplier})
}

// SubjectFor maps a signal type to the trust subject that can dampen it.
func SubjectFor(t model.SignalType) (model.TrustSubject, bool) {
	switch t {
	case model.SignalRootDetected:
		return model.TrustRoot, true
	case model.SignalSIMChanged, model.SignalSIMRemoved:
		return model.TrustSIMChange, true
	}
	return "", false
}

func validSubject(s model.TrustSubject) bool {
	return s == model.TrustRoot || s == model.TrustSIMChange
}

func (o *Overlay) IsActive(subject model.TrustSubject) bool {
	exp, ok := (*o.state.Load())[subject]
	return ok && o.opts.Now().Before(exp)
}

func (o *Overlay) WeightMultiplier(t model.SignalType) float64 {
	if subject, ok := SubjectFor(t); ok && o.IsActive(subject) {
		return o.tuning.Load().multiplier
	}
	return 1.0
}

// Windows lists both subjects; ExpiresAt is nil unless the window is active.
func (o *Overlay) Windows() []model.TrustWindow {
	st := *o.state.Load()
	now := o.opts.Now()
	out := make([]model.TrustWindow, 0, 2)
	for _, subject := range []model.TrustSubject{model.TrustRoot, model.TrustSIMChange} {
		w := model.TrustWindow{Subject: subject}
		if exp, ok := st[subject]; ok && now.Before(exp) {
			e := exp
			w.ExpiresAt = &e
		}
		out = append(out, w)
	}
	return out
}

// Acknowledge opens or replaces the window for subject.
func (o *Overlay) Acknowledge(ctx context.Context, subject model.TrustSubject) (model.TrustWindow, error) {
	if !validSubject(subject) {
		return model.TrustWindow{}, ErrUnknownSubject
	}
	now := o.opts.Now()
	exp := now.Add(o.tuning.Load().duration).UTC()
	o.mu.Lock()
	o.publish(subject, &exp)
	o.mu.Unlock()

	w := model.TrustWindow{Subject: subject, ExpiresAt: &exp}
	o.persist(ctx, w)
	o.audit(ctx, model.SignalTrustAcknowledged, subject, now, map[string]string{
		"expires_at": exp.Format(time.RFC3339),
	})
	if o.opts.Logger != nil {
		o.opts.Logger.Info("trust acknowledged", "subject", string(subject), "expires_at", exp)
	}
	return w, nil
}

func (o *Overlay) Revoke(ctx context.Context, subject model.TrustSubject) error {
	if !validSubject(subject) {
		return ErrUnknownSubject
	}
	now := o.opts.Now()
	o.mu.Lock()
	o.publish(subject, nil)
	o.mu.Unlock()

	o.persist(ctx, model.TrustWindow{Subject: subject})
	o.audit(ctx, model.SignalTrustRevoked, subject, now, nil)
	if o.opts.Logger != nil {
		o.opts.Logger.Info("trust revoked", "subject", string(subject))
	}
	return nil
}

// Restore reloads persisted windows; already expired ones are dropped.
func (o *Overlay) Restore(ctx context.Context) error {
	if o.opts.Store == nil {
		return nil
	}
	windows, err := o.opts.Store.ListTrustWindows(ctx)
	if err != nil {
		return err
	}
	now := o.opts.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, w := range windows {
		if !validSubject(w.Subject) || w.ExpiresAt == nil || !now.Before(*w.ExpiresAt) {
			continue
		}
		o.publish(w.Subject, w.ExpiresAt)
	}
	return nil
}

// publish swaps in a copy of the current state with subject updated.
// Caller holds mu.
func (o *Overlay) publish(subject model.TrustSubject, exp *time.Time) {
	cur := *o.state.Load()
	next := make(state, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	if exp == nil {
		delete(next, subject)
	} else {
		next[subject] = *exp
	}
	o.state.Store(&next)
}

func (o *Overlay) persist(ctx context.Context, w model.TrustWindow) {
	if o.opts.Store == nil {
		return
	}
	if err := o.opts.Store.SaveTrustWindow(ctx, w); err != nil && o.opts.Logger != nil {
		o.opts.Logger.Warn("trust window persist failed", "subject", string(w.Subject), "error", err)
	}
}

func (o *Overlay) audit(ctx context.Context, t model.SignalType, subject model.TrustSubject, ts time.Time, extra map[string]string) {
	if o.opts.Sink == nil {
		return
	}
	meta := map[string]string{"subject": string(subject)}
	for k, v := range extra {
		meta[k] = v
	}
	sig := model.Signal{
		ID:        uuid.NewString(),
		Type:      t,
		Metadata:  meta,
		Timestamp: ts.UTC(),
		Processed: true,
	}
	if err := o.opts.Sink.InsertSignal(ctx, sig); err != nil && o.opts.Logger != nil {
		o.opts.Logger.Warn("trust audit signal failed", "signal_type", string(t), "error", err)
	}
}
