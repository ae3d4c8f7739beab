package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sony/gobreaker"

	"riskguard/internal/alert"
	"riskguard/internal/metrics"
	"riskguard/internal/platform"
)

// PlatformCapturer takes a picture through the host and stores it sealed.
type PlatformCapturer struct {
	host   platform.Capabilities
	dir    string
	logger *slog.Logger
}

func NewPlatformCapturer(host platform.Capabilities, dir string, logger *slog.Logger) *PlatformCapturer {
	return &PlatformCapturer{host: host, dir: dir, logger: logger}
}

func (c *PlatformCapturer) Capture(ctx context.Context, req alert.CaptureRequest) error {
	img, err := c.host.CaptureImage(ctx, req.Reason)
	if err != nil {
		return err
	}
	sealed, err := c.host.SealBytes(img)
	if err != nil {
		return fmt.Errorf("seal capture: %w", err)
	}
	if c.dir == "" {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%s.sealed", req.RequestedAt.UTC().Format("20060102T150405Z"), req.IncidentRef)
	path := filepath.Join(c.dir, name)
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return err
	}
	if c.logger != nil {
		c.logger.Info("intruder capture stored", "incident_ref", req.IncidentRef, "path", path)
	}
	return nil
}

// BreakerCapturer stops calling a capturer that keeps failing and lets a
// trial request through after timeout.
type BreakerCapturer struct {
	next alert.Capturer
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerCapturer(next alert.Capturer, maxFailures uint32, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *BreakerCapturer {
	if maxFailures == 0 {
		maxFailures = 3
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "intruder-capture",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.SetCaptureBreaker(int(to))
			if logger != nil {
				logger.Warn("capture breaker state changed", "from", from.String(), "to", to.String())
			}
		},
	})
	return &BreakerCapturer{next: next, cb: cb}
}

func (b *BreakerCapturer) Capture(ctx context.Context, req alert.CaptureRequest) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Capture(ctx, req)
	})
	return err
}

func (b *BreakerCapturer) State() gobreaker.State {
	return b.cb.State()
}
