// Package ingest accepts detector signals over REST and Kafka and queues
// them for the engine.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"riskguard/internal/config"
	"riskguard/internal/metrics"
	"riskguard/internal/model"
	"riskguard/internal/normalize"
)

func SendNonBlocking(ctx context.Context, out chan<- model.Signal, sig model.Signal, logger *slog.Logger) bool {
	select {
	case out <- sig:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("signal channel full, dropping signal", "signal_type", string(sig.Type), "timestamp", sig.Timestamp)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Result counts what one payload produced.
type Result struct {
	Accepted int      `json:"accepted"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// queue normalizes decoded objects and queues them. Shared by every
// transport.
type queue struct {
	cfg     *config.Manager
	out     chan<- model.Signal
	metrics *metrics.Metrics
	logger  *slog.Logger
	source  string
}

func (q *queue) location() *time.Location {
	loc, err := config.LoadLocation(q.cfg.Get().Ingest.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (q *queue) push(ctx context.Context, objs []map[string]interface{}) Result {
	var res Result
	loc := q.location()
	for _, obj := range objs {
		sig, err := normalize.Normalize(*ParseJSONMap(obj), loc)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
			q.metrics.SignalRejected("malformed")
			if q.logger != nil {
				q.logger.Warn(q.source+" normalize error", "error", err)
			}
			continue
		}
		if sig.Metadata == nil {
			sig.Metadata = map[string]string{}
		}
		if _, ok := sig.Metadata["source"]; !ok {
			sig.Metadata["source"] = q.source
		}
		if !SendNonBlocking(ctx, q.out, sig, q.logger) {
			res.Failed++
			res.Errors = append(res.Errors, "queue full")
			q.metrics.SignalRejected("queue_full")
			continue
		}
		res.Accepted++
	}
	return res
}
