package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/audit"
	"riskguard/internal/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type recorder struct {
	mu       sync.Mutex
	sent     []Message
	captures []CaptureRequest
	signals  []model.Signal
	sendErr  error
	capErr   error
}

func (r *recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recorder) Capture(_ context.Context, req CaptureRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captures = append(r.captures, req)
	return r.capErr
}

func (r *recorder) InsertSignal(_ context.Context, sig model.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, sig)
	return nil
}

type staticCredentials struct {
	recipient string
	available bool
}

func (c staticCredentials) Recipient() string              { return c.recipient }
func (c staticCredentials) Available(context.Context) bool { return c.available }

func newPolicy(clock *fakeClock, rec *recorder, creds Credentials, capture bool) (*Policy, *audit.Ring) {
	ring := audit.NewRing(audit.DefaultLimit, nil, nil)
	p := NewPolicy(Settings{Threshold: 70, Cooldown: 30 * time.Minute, CaptureEnabled: capture}, Options{
		Sender:      rec,
		Capturer:    rec,
		Credentials: creds,
		Sink:        rec,
		Audit:       ring,
		Now:         clock.Now,
	})
	return p, ring
}

func riskScore(total int) model.RiskScore {
	return model.RiskScore{
		ID:            "score",
		Total:         total,
		Level:         model.LevelFor(total),
		TriggerReason: "ROOT_DETECTED (+40)",
		Contributions: map[model.SignalType]int{model.SignalRootDetected: total},
		Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestShouldAlertThresholdAndCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	p, _ := newPolicy(clock, rec, staticCredentials{"owner@example.com", true}, false)

	assert.False(t, p.ShouldAlert(riskScore(69)))
	assert.True(t, p.ShouldAlert(riskScore(70)))

	require.True(t, p.Dispatch(context.Background(), riskScore(80), nil).Sent())
	assert.False(t, p.ShouldAlert(riskScore(95)), "cooldown active")
	clock.Advance(30 * time.Minute)
	assert.True(t, p.ShouldAlert(riskScore(95)), "cooldown boundary is inclusive")
}

func TestDispatchRefusedDuringCooldownThenSucceeds(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	p, ring := newPolicy(clock, rec, staticCredentials{"owner@example.com", true}, true)
	_, _, armed := p.cooldown.Reserve(clock.t, 10*time.Minute)
	require.True(t, armed)

	res := p.Dispatch(context.Background(), riskScore(85), nil)
	assert.Equal(t, OutcomeOnCooldown, res.Outcome)
	assert.Empty(t, rec.sent)

	clock.Advance(10 * time.Minute)
	loc := &model.Location{Lat: 40.7128, Lng: -74.006, Accuracy: 10}
	res = p.Dispatch(context.Background(), riskScore(85), loc)
	require.Equal(t, OutcomeSent, res.Outcome)
	assert.True(t, res.CooldownUntil.Equal(clock.t.Add(30*time.Minute)))
	assert.True(t, p.CooldownUntil().Equal(res.CooldownUntil))
	require.Len(t, rec.sent, 1)
	assert.Equal(t, "owner@example.com", rec.sent[0].Recipient)
	assert.Equal(t, "85", rec.sent[0].Body["score"])
	assert.Equal(t, res.IncidentRef, rec.sent[0].IncidentRef)

	require.True(t, res.CaptureRequested)
	require.Len(t, rec.captures, 1)
	assert.Equal(t, loc, rec.captures[0].LastKnownLocation)

	kinds := map[string]bool{}
	for _, ev := range ring.List(0) {
		kinds[ev.Kind] = true
	}
	assert.True(t, kinds["alert_sent"])
	assert.True(t, kinds["capture_requested"])

	types := map[model.SignalType]bool{}
	for _, sig := range rec.signals {
		assert.True(t, sig.Processed)
		types[sig.Type] = true
	}
	assert.True(t, types[model.SignalAlertDispatched])
	assert.True(t, types[model.SignalIntruderCaptureRequested])
}

func TestCaptureOnlyAtHighScore(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	p, _ := newPolicy(clock, rec, staticCredentials{"owner@example.com", true}, true)

	res := p.Dispatch(context.Background(), riskScore(50), nil)
	require.True(t, res.Sent())
	assert.False(t, res.CaptureRequested)
	assert.Empty(t, rec.captures)
}

func TestCaptureDisabled(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	p, _ := newPolicy(clock, rec, staticCredentials{"owner@example.com", true}, false)

	res := p.Dispatch(context.Background(), riskScore(95), nil)
	require.True(t, res.Sent())
	assert.False(t, res.CaptureRequested)
	assert.Empty(t, rec.captures)
}

func TestCaptureFailureDoesNotFailAlert(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &recorder{capErr: errors.New("camera busy")}
	p, ring := newPolicy(clock, rec, staticCredentials{"owner@example.com", true}, true)

	res := p.Dispatch(context.Background(), riskScore(92), nil)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.True(t, res.CaptureRequested)
	events := ring.List(0)
	require.NotEmpty(t, events)
	assert.Equal(t, "capture_failed", events[len(events)-1].Kind)
}

func TestPreconditionFailures(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	p, _ := newPolicy(clock, &recorder{}, staticCredentials{"", true}, false)
	assert.Equal(t, OutcomeNoRecipient, p.Dispatch(context.Background(), riskScore(80), nil).Outcome)

	p, _ = newPolicy(clock, &recorder{}, nil, false)
	assert.Equal(t, OutcomeNoRecipient, p.Dispatch(context.Background(), riskScore(80), nil).Outcome)

	p, _ = newPolicy(clock, &recorder{}, staticCredentials{"owner@example.com", false}, false)
	res := p.Dispatch(context.Background(), riskScore(80), nil)
	assert.Equal(t, OutcomeCredentialsUnavailable, res.Outcome)
	assert.True(t, p.CooldownUntil().IsZero(), "refusals must not arm the cooldown")
}

func TestDeliveryFailureReleasesCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &recorder{sendErr: errors.New("smtp down")}
	p, _ := newPolicy(clock, rec, staticCredentials{"owner@example.com", true}, true)

	res := p.Dispatch(context.Background(), riskScore(90), nil)
	assert.Equal(t, OutcomeDeliveryFailed, res.Outcome)
	assert.Error(t, res.Err)
	assert.Empty(t, rec.captures)
	assert.True(t, p.ShouldAlert(riskScore(90)))

	rec.sendErr = nil
	assert.True(t, p.Dispatch(context.Background(), riskScore(90), nil).Sent())
}

func TestCooldownReserveRelease(t *testing.T) {
	var c Cooldown
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	armed, prev, ok := c.Reserve(now, time.Minute)
	require.True(t, ok)
	assert.True(t, prev.IsZero())
	_, _, ok = c.Reserve(now.Add(time.Second), time.Minute)
	assert.False(t, ok)
	c.Release(armed, prev)
	assert.True(t, c.Ready(now))
}
