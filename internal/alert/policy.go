// Package alert decides when a risk score warrants notifying the owner and
// hands the notification, and optionally an intruder capture, to external
// collaborators.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"riskguard/internal/audit"
	"riskguard/internal/metrics"
	"riskguard/internal/model"
)

const DefaultCooldown = 30 * time.Minute

type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeOnCooldown
	OutcomeNoRecipient
	OutcomeCredentialsUnavailable
	OutcomeDeliveryFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeOnCooldown:
		return "on_cooldown"
	case OutcomeNoRecipient:
		return "no_recipient"
	case OutcomeCredentialsUnavailable:
		return "credentials_unavailable"
	case OutcomeDeliveryFailed:
		return "delivery_failed"
	}
	return "unknown"
}

// Message is the hand-off to the email delivery collaborator.
type Message struct {
	Recipient   string            `json:"recipient"`
	Subject     string            `json:"subject"`
	Body        map[string]string `json:"body"`
	IncidentRef string            `json:"incident_ref"`
}

type CaptureRequest struct {
	Reason            string          `json:"reason"`
	LastKnownLocation *model.Location `json:"last_known_location,omitempty"`
	IncidentRef       string          `json:"incident_ref"`
	RequestedAt       time.Time       `json:"requested_at"`
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type Capturer interface {
	Capture(ctx context.Context, req CaptureRequest) error
}

// Credentials answers the delivery precondition: who to notify and whether
// the account used to send is usable right now.
type Credentials interface {
	Recipient() string
	Available(ctx context.Context) bool
}

type SignalSink interface {
	InsertSignal(ctx context.Context, sig model.Signal) error
}

type Settings struct {
	Threshold      int
	Cooldown       time.Duration
	CaptureEnabled bool
}

type DispatchResult struct {
	Outcome          Outcome
	IncidentRef      string
	CooldownUntil    time.Time
	CaptureRequested bool
	Err              error
}

func (r DispatchResult) Sent() bool { return r.Outcome == OutcomeSent }

type Options struct {
	Sender      Sender
	Capturer    Capturer
	Credentials Credentials
	Sink        SignalSink
	Audit       *audit.Ring
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

type Policy struct {
	opts     Options
	settings atomic.Pointer[Settings]
	cooldown Cooldown
}

func NewPolicy(settings Settings, opts Options) *Policy {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Policy{opts: opts}
	p.UpdateSettings(settings)
	return p
}

func (p *Policy) UpdateSettings(s Settings) {
	if s.Threshold <= 0 {
		s.Threshold = model.HighThreshold
	}
	if s.Cooldown < 0 {
		s.Cooldown = DefaultCooldown
	}
	p.settings.Store(&s)
}

func (p *Policy) Settings() Settings { return *p.settings.Load() }

func (p *Policy) CooldownUntil() time.Time { return p.cooldown.Until() }

// ShouldAlert is true when the score reaches the alert threshold and the
// cooldown has elapsed.
func (p *Policy) ShouldAlert(score model.RiskScore) bool {
	s := p.Settings()
	return score.Total >= s.Threshold && p.cooldown.Ready(p.opts.Now())
}

// Dispatch re-checks the cooldown and the delivery preconditions, then sends.
// The cooldown is armed before sending and handed back if delivery fails.
// Capture failures are logged and do not change the outcome.
func (p *Policy) Dispatch(ctx context.Context, score model.RiskScore, lastKnown *model.Location) DispatchResult {
	s := p.Settings()
	now := p.opts.Now()
	res := p.dispatch(ctx, s, score, lastKnown, now)
	p.opts.Metrics.AlertOutcome(res.Outcome.String())
	if p.opts.Logger != nil {
		p.opts.Logger.Info("alert dispatch",
			"outcome", res.Outcome.String(),
			"score", score.Total,
			"level", string(score.Level),
			"incident_ref", res.IncidentRef,
		)
	}
	return res
}

func (p *Policy) dispatch(ctx context.Context, s Settings, score model.RiskScore, lastKnown *model.Location, now time.Time) DispatchResult {
	if !p.cooldown.Ready(now) {
		return DispatchResult{Outcome: OutcomeOnCooldown, CooldownUntil: p.cooldown.Until()}
	}
	if p.opts.Credentials == nil || p.opts.Credentials.Recipient() == "" {
		return DispatchResult{Outcome: OutcomeNoRecipient}
	}
	if !p.opts.Credentials.Available(ctx) {
		return DispatchResult{Outcome: OutcomeCredentialsUnavailable}
	}
	armed, prev, ok := p.cooldown.Reserve(now, s.Cooldown)
	if !ok {
		return DispatchResult{Outcome: OutcomeOnCooldown, CooldownUntil: prev}
	}

	ref := uuid.NewString()
	msg := buildMessage(p.opts.Credentials.Recipient(), ref, score)
	if p.opts.Sender != nil {
		if err := p.opts.Sender.Send(ctx, msg); err != nil {
			p.cooldown.Release(armed, prev)
			p.record(ctx, model.AuditEvent{
				Kind:      "alert_failed",
				Message:   "alert delivery failed",
				Score:     score.Total,
				Level:     score.Level,
				Timestamp: now.UTC(),
				Fields:    map[string]string{"incident_ref": ref, "error": err.Error()},
			})
			return DispatchResult{Outcome: OutcomeDeliveryFailed, IncidentRef: ref, CooldownUntil: prev, Err: err}
		}
	}

	res := DispatchResult{Outcome: OutcomeSent, IncidentRef: ref, CooldownUntil: armed}
	p.record(ctx, model.AuditEvent{
		Kind:      "alert_sent",
		Message:   msg.Subject,
		Score:     score.Total,
		Level:     score.Level,
		Timestamp: now.UTC(),
		Fields: map[string]string{
			"incident_ref":   ref,
			"recipient":      msg.Recipient,
			"trigger_reason": score.TriggerReason,
			"cooldown_until": armed.UTC().Format(time.RFC3339),
		},
	})
	p.emit(ctx, model.SignalAlertDispatched, now, map[string]string{
		"incident_ref": ref,
		"score":        strconv.Itoa(score.Total),
	})

	if s.CaptureEnabled && score.Total >= model.HighThreshold && p.opts.Capturer != nil {
		res.CaptureRequested = true
		p.capture(ctx, CaptureRequest{
			Reason:            captureReason(score),
			LastKnownLocation: lastKnown,
			IncidentRef:       ref,
			RequestedAt:       now.UTC(),
		})
	}
	return res
}

func (p *Policy) capture(ctx context.Context, req CaptureRequest) {
	p.emit(ctx, model.SignalIntruderCaptureRequested, req.RequestedAt, map[string]string{
		"incident_ref": req.IncidentRef,
		"reason":       req.Reason,
	})
	kind, msg := "capture_requested", "intruder capture requested"
	fields := map[string]string{"incident_ref": req.IncidentRef}
	if err := p.opts.Capturer.Capture(ctx, req); err != nil {
		if p.opts.Logger != nil {
			p.opts.Logger.Warn("intruder capture failed", "incident_ref", req.IncidentRef, "error", err)
		}
		kind, msg = "capture_failed", "intruder capture failed"
		fields["error"] = err.Error()
	}
	p.record(ctx, model.AuditEvent{Kind: kind, Message: msg, Timestamp: req.RequestedAt, Fields: fields})
}

func (p *Policy) record(ctx context.Context, ev model.AuditEvent) {
	if p.opts.Audit != nil {
		p.opts.Audit.Record(ctx, ev)
	}
}

func (p *Policy) emit(ctx context.Context, t model.SignalType, ts time.Time, meta map[string]string) {
	if p.opts.Sink == nil {
		return
	}
	sig := model.Signal{ID: uuid.NewString(), Type: t, Metadata: meta, Timestamp: ts.UTC(), Processed: true}
	if err := p.opts.Sink.InsertSignal(ctx, sig); err != nil && p.opts.Logger != nil {
		p.opts.Logger.Warn("alert audit signal failed", "signal_type", string(t), "error", err)
	}
}

func buildMessage(recipient, ref string, score model.RiskScore) Message {
	body := map[string]string{
		"score":          strconv.Itoa(score.Total),
		"level":          string(score.Level),
		"trigger_reason": score.TriggerReason,
		"timestamp":      score.Timestamp.UTC().Format(time.RFC3339),
	}
	types := make([]string, 0, len(score.Contributions))
	for t := range score.Contributions {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		body["contribution."+t] = strconv.Itoa(score.Contributions[model.SignalType(t)])
	}
	return Message{
		Recipient:   recipient,
		Subject:     fmt.Sprintf("Security alert: %s risk (%d)", score.Level, score.Total),
		Body:        body,
		IncidentRef: ref,
	}
}

func captureReason(score model.RiskScore) string {
	if score.TriggerReason != "" {
		return score.TriggerReason
	}
	return fmt.Sprintf("risk score %d", score.Total)
}
