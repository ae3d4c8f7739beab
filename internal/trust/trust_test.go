package trust

import (
	"context"
	"sync"
	"testing"
	"time"

	"riskguard/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	signals []model.Signal
	windows map[model.TrustSubject]model.TrustWindow
}

func newRecorder() *recorder {
	return &recorder{windows: make(map[model.TrustSubject]model.TrustWindow)}
}

func (r *recorder) InsertSignal(_ context.Context, sig model.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, sig)
	return nil
}

func (r *recorder) SaveTrustWindow(_ context.Context, w model.TrustWindow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows[w.Subject] = w
	return nil
}

func (r *recorder) ListTrustWindows(context.Context) ([]model.TrustWindow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.TrustWindow, 0, len(r.windows))
	for _, w := range r.windows {
		out = append(out, w)
	}
	return out, nil
}

func newOverlay(clock *fakeClock, rec *recorder) *Overlay {
	return NewOverlay(Options{Now: clock.Now, Sink: rec, Store: rec})
}

func TestRootTrustHalvesThenExpires(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	rec := newRecorder()
	o := newOverlay(clock, rec)

	if got := o.WeightMultiplier(model.SignalRootDetected); got != 1.0 {
		t.Fatalf("expected 1.0 before acknowledge, got %v", got)
	}
	if _, err := o.Acknowledge(context.Background(), model.TrustRoot); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if got := o.WeightMultiplier(model.SignalRootDetected); got != 0.5 {
		t.Fatalf("expected 0.5 after acknowledge, got %v", got)
	}
	if got := o.WeightMultiplier(model.SignalSIMChanged); got != 1.0 {
		t.Fatalf("root trust must not dampen SIM signals, got %v", got)
	}

	clock.Advance(24*time.Hour - time.Second)
	if !o.IsActive(model.TrustRoot) {
		t.Fatalf("expected window active just before expiry")
	}
	clock.Advance(time.Second)
	if got := o.WeightMultiplier(model.SignalRootDetected); got != 1.0 {
		t.Fatalf("expected 1.0 after 24h, got %v", got)
	}
	if len(rec.signals) != 1 || rec.signals[0].Type != model.SignalTrustAcknowledged {
		t.Fatalf("expected one acknowledge audit signal, got %+v", rec.signals)
	}
}

func TestSIMTrustCoversChangeAndRemoval(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	o := newOverlay(clock, newRecorder())
	if _, err := o.Acknowledge(context.Background(), model.TrustSIMChange); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	for _, st := range []model.SignalType{model.SignalSIMChanged, model.SignalSIMRemoved} {
		if got := o.WeightMultiplier(st); got != 0.5 {
			t.Fatalf("%s: expected 0.5, got %v", st, got)
		}
	}
	if got := o.WeightMultiplier(model.SignalLocationAnomaly); got != 1.0 {
		t.Fatalf("location anomaly is never dampened, got %v", got)
	}
}

func TestReacknowledgeReplacesExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	o := newOverlay(clock, newRecorder())
	ctx := context.Background()
	first, _ := o.Acknowledge(ctx, model.TrustRoot)
	clock.Advance(10 * time.Hour)
	second, _ := o.Acknowledge(ctx, model.TrustRoot)
	if !second.ExpiresAt.Equal(first.ExpiresAt.Add(10 * time.Hour)) {
		t.Fatalf("expected expiry to move to now+24h, got %v", second.ExpiresAt)
	}
	clock.Advance(20 * time.Hour)
	if !o.IsActive(model.TrustRoot) {
		t.Fatalf("window should follow the latest acknowledgment")
	}
}

func TestRevokeClearsImmediately(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	rec := newRecorder()
	o := newOverlay(clock, rec)
	ctx := context.Background()
	_, _ = o.Acknowledge(ctx, model.TrustRoot)
	if err := o.Revoke(ctx, model.TrustRoot); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if o.IsActive(model.TrustRoot) {
		t.Fatalf("expected window cleared")
	}
	if rec.signals[len(rec.signals)-1].Type != model.SignalTrustRevoked {
		t.Fatalf("expected revoke audit signal")
	}
	for _, w := range o.Windows() {
		if w.ExpiresAt != nil {
			t.Fatalf("expected no active windows, got %+v", w)
		}
	}
}

func TestUnknownSubjectRejected(t *testing.T) {
	o := NewOverlay(Options{})
	if _, err := o.Acknowledge(context.Background(), "WIFI"); err != ErrUnknownSubject {
		t.Fatalf("expected ErrUnknownSubject, got %v", err)
	}
}

func TestRestoreSkipsExpired(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	rec := newRecorder()
	past := clock.now.Add(-time.Hour)
	future := clock.now.Add(5 * time.Hour)
	rec.windows[model.TrustRoot] = model.TrustWindow{Subject: model.TrustRoot, ExpiresAt: &past}
	rec.windows[model.TrustSIMChange] = model.TrustWindow{Subject: model.TrustSIMChange, ExpiresAt: &future}

	o := newOverlay(clock, rec)
	if err := o.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if o.IsActive(model.TrustRoot) {
		t.Fatalf("expired window restored")
	}
	if !o.IsActive(model.TrustSIMChange) {
		t.Fatalf("expected SIM window restored")
	}
}

func TestMultiplierNeverZero(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	o := NewOverlay(Options{Now: clock.Now, Multiplier: 0})
	_, _ = o.Acknowledge(context.Background(), model.TrustRoot)
	if got := o.WeightMultiplier(model.SignalRootDetected); got != DefaultMultiplier {
		t.Fatalf("expected default multiplier, got %v", got)
	}
}

func TestUpdateSettingsAppliesToNextAcknowledge(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	o := newOverlay(clock, newRecorder())
	if _, err := o.Acknowledge(context.Background(), model.TrustRoot); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	o.UpdateSettings(time.Hour, 0.25)
	if got := o.WeightMultiplier(model.SignalRootDetected); got != 0.25 {
		t.Fatalf("expected retuned multiplier 0.25, got %v", got)
	}
	w, err := o.Acknowledge(context.Background(), model.TrustSIMChange)
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if want := clock.Now().Add(time.Hour); !w.ExpiresAt.Equal(want) {
		t.Fatalf("expected SIM window to close at %v, got %v", want, w.ExpiresAt)
	}

	clock.Advance(2 * time.Hour)
	if !o.IsActive(model.TrustRoot) {
		t.Fatalf("root window opened before the retune keeps its 24h expiry")
	}
	if o.IsActive(model.TrustSIMChange) {
		t.Fatalf("SIM window should have closed after one hour")
	}

	o.UpdateSettings(0, 2)
	if got := o.WeightMultiplier(model.SignalRootDetected); got != DefaultMultiplier {
		t.Fatalf("out-of-range multiplier should fall back to the default, got %v", got)
	}
}
