package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"riskguard/internal/config"
	"riskguard/internal/metrics"
	"riskguard/internal/model"
)

func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.Signal, m *metrics.Metrics, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	q := &queue{cfg: cfg, out: out, metrics: m, logger: logger, source: "kafka"}
	go func() {
		defer reader.Close()
		backoff := 200 * time.Millisecond
		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "error", err)
				}
				if !BackoffSleep(ctx, backoff) {
					return
				}
				if backoff < 5*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = 200 * time.Millisecond
			handleMessage(ctx, q, msg.Value)
		}
	}()
}

func handleMessage(ctx context.Context, q *queue, value []byte) Result {
	objs, err := DecodePayload(value)
	if err != nil {
		q.metrics.SignalRejected("malformed")
		if q.logger != nil {
			q.logger.Warn("kafka payload rejected", "error", err)
		}
		return Result{Failed: 1, Errors: []string{err.Error()}}
	}
	return q.push(ctx, objs)
}
