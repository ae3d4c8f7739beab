// Package delivery implements the alert collaborators: where alert emails
// are handed off, how intruder captures are taken and how the delivery
// credentials are checked.
package delivery

import (
	"context"
	"log/slog"

	"riskguard/internal/alert"
)

// LogSender writes the alert to the log instead of delivering it.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(_ context.Context, msg alert.Message) error {
	if s.Logger != nil {
		s.Logger.Warn("alert",
			"recipient", msg.Recipient,
			"subject", msg.Subject,
			"incident_ref", msg.IncidentRef,
			"score", msg.Body["score"],
			"trigger_reason", msg.Body["trigger_reason"],
		)
	}
	return nil
}

type LogCapturer struct {
	Logger *slog.Logger
}

func (c LogCapturer) Capture(_ context.Context, req alert.CaptureRequest) error {
	if c.Logger != nil {
		args := []any{"incident_ref", req.IncidentRef, "reason", req.Reason}
		if req.LastKnownLocation != nil {
			args = append(args, "lat", req.LastKnownLocation.Lat, "lng", req.LastKnownLocation.Lng)
		}
		c.Logger.Warn("intruder capture requested", args...)
	}
	return nil
}
