package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/alert"
	"riskguard/internal/platform"
)

type flakyWriter struct {
	failures int
	calls    int
	written  []kafka.Message
}

func (w *flakyWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.calls++
	if w.calls <= w.failures {
		return errors.New("broker not available")
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *flakyWriter) Close() error { return nil }

func testMessage() alert.Message {
	return alert.Message{
		Recipient:   "owner@example.com",
		Subject:     "Security alert: HIGH risk (75)",
		Body:        map[string]string{"score": "75"},
		IncidentRef: "inc-1",
	}
}

func TestKafkaSenderRetries(t *testing.T) {
	w := &flakyWriter{failures: 2}
	s := newKafkaSender(w, 3, nil)
	s.delay = time.Millisecond

	require.NoError(t, s.Send(context.Background(), testMessage()))
	assert.Equal(t, 3, w.calls)
	require.Len(t, w.written, 1)
	assert.Equal(t, "inc-1", string(w.written[0].Key))

	var got alert.Message
	require.NoError(t, json.Unmarshal(w.written[0].Value, &got))
	assert.Equal(t, "owner@example.com", got.Recipient)
}

func TestKafkaSenderGivesUp(t *testing.T) {
	w := &flakyWriter{failures: 10}
	s := newKafkaSender(w, 2, nil)
	s.delay = time.Millisecond

	assert.Error(t, s.Send(context.Background(), testMessage()))
	assert.Equal(t, 2, w.calls)
}

type failingCapturer struct{ calls int }

func (c *failingCapturer) Capture(context.Context, alert.CaptureRequest) error {
	c.calls++
	return errors.New("camera unavailable")
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	next := &failingCapturer{}
	b := NewBreakerCapturer(next, 2, time.Hour, nil, nil)
	req := alert.CaptureRequest{IncidentRef: "inc"}

	assert.Error(t, b.Capture(context.Background(), req))
	assert.Error(t, b.Capture(context.Background(), req))
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.Capture(context.Background(), req)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, next.calls)
}

type cameraHost struct {
	platform.Headless
	image []byte
}

func (h cameraHost) CaptureImage(context.Context, string) ([]byte, error) { return h.image, nil }

func testSealer(t *testing.T) *platform.SoftwareSealer {
	t.Helper()
	s, err := platform.NewSoftwareSealer([]byte("passphrase"), platform.KeyParams{Iterations: 1, Memory: 8 * 1024, Parallelism: 1, SaltLength: 16})
	require.NoError(t, err)
	return s
}

func TestPlatformCapturerStoresSealedImage(t *testing.T) {
	sealer := testSealer(t)
	host := cameraHost{Headless: platform.NewHeadless(sealer), image: []byte("jpeg-bytes")}
	dir := t.TempDir()
	c := NewPlatformCapturer(host, dir, nil)

	req := alert.CaptureRequest{Reason: "ROOT_DETECTED (+40)", IncidentRef: "inc-9", RequestedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	require.NoError(t, c.Capture(context.Background(), req))

	files, err := filepath.Glob(filepath.Join(dir, "*inc-9.sealed"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	raw, err := os.ReadFile(files[0])
	require.NoError(t, err)
	plain, err := sealer.UnsealBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(plain))
}

func TestPlatformCapturerOnHeadlessHost(t *testing.T) {
	c := NewPlatformCapturer(platform.NewHeadless(testSealer(t)), t.TempDir(), nil)
	err := c.Capture(context.Background(), alert.CaptureRequest{IncidentRef: "x"})
	assert.ErrorIs(t, err, platform.ErrCaptureUnsupported)
}

func TestConfigCredentials(t *testing.T) {
	sealer := testSealer(t)
	host := platform.NewHeadless(sealer)
	ctx := context.Background()

	plain := NewConfigCredentials(" owner@example.com ", "", nil, nil)
	assert.Equal(t, "owner@example.com", plain.Recipient())
	assert.True(t, plain.Available(ctx))

	sealed, err := sealer.SealBytes([]byte("app-password"))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "smtp.sealed")
	require.NoError(t, os.WriteFile(path, sealed, 0o600))
	assert.True(t, NewConfigCredentials("owner@example.com", path, host, nil).Available(ctx))

	assert.False(t, NewConfigCredentials("owner@example.com", path+".missing", host, nil).Available(ctx))
	assert.False(t, NewConfigCredentials("owner@example.com", path, nil, nil).Available(ctx))

	require.NoError(t, os.WriteFile(path, []byte("garbage that is long enough to parse but not valid"), 0o600))
	assert.False(t, NewConfigCredentials("owner@example.com", path, host, nil).Available(ctx))
}

func TestLogCollaborators(t *testing.T) {
	assert.NoError(t, LogSender{}.Send(context.Background(), testMessage()))
	assert.NoError(t, LogCapturer{}.Capture(context.Background(), alert.CaptureRequest{}))
}
