package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/segmentio/kafka-go"

	"riskguard/internal/alert"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSender publishes alert messages for the email worker. The incident
// reference is the message key.
type KafkaSender struct {
	writer   messageWriter
	attempts uint
	delay    time.Duration
	logger   *slog.Logger
}

func NewKafkaSender(brokers []string, topic string, attempts uint, logger *slog.Logger) *KafkaSender {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newKafkaSender(w, attempts, logger)
}

func newKafkaSender(w messageWriter, attempts uint, logger *slog.Logger) *KafkaSender {
	if attempts == 0 {
		attempts = 3
	}
	return &KafkaSender{writer: w, attempts: attempts, logger: logger}
}

func (s *KafkaSender) Send(ctx context.Context, msg alert.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	km := kafka.Message{Key: []byte(msg.IncidentRef), Value: payload, Time: time.Now().UTC()}
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			if s.delay > 0 {
				return s.delay
			}
			return retry.BackOffDelay(n, err, config)
		}),
	)
	return r.Do(func() error {
		if err := s.writer.WriteMessages(ctx, km); err != nil {
			if s.logger != nil {
				s.logger.Warn("alert publish attempt failed", "incident_ref", msg.IncidentRef, "error", err)
			}
			return err
		}
		return nil
	})
}

func (s *KafkaSender) Close() error {
	return s.writer.Close()
}
