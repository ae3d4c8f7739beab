package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"riskguard/internal/model"
)

const latestKeySuffix = ":latest"

// RedisPublisher mirrors scores to a Redis channel and keeps the last one
// under <channel>:latest. Publishing happens on its own goroutine; when the
// queue is full the oldest pending score is dropped in favour of the new one.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	logger  *slog.Logger
	queue   chan model.RiskScore
	timeout time.Duration
}

func NewRedisPublisher(rdb *redis.Client, channel string, logger *slog.Logger) *RedisPublisher {
	return &RedisPublisher{
		rdb:     rdb,
		channel: channel,
		logger:  logger,
		queue:   make(chan model.RiskScore, 16),
		timeout: 2 * time.Second,
	}
}

// Attach subscribes the publisher to hub.
func (p *RedisPublisher) Attach(h *Hub) int {
	return h.Subscribe(p.Enqueue)
}

func (p *RedisPublisher) Enqueue(score model.RiskScore) {
	for {
		select {
		case p.queue <- score:
			return
		default:
		}
		select {
		case <-p.queue:
		default:
		}
	}
}

func (p *RedisPublisher) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case score := <-p.queue:
				if err := p.publish(ctx, score); err != nil && p.logger != nil {
					p.logger.Warn("score publish failed", "channel", p.channel, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *RedisPublisher) publish(ctx context.Context, score model.RiskScore) error {
	payload, err := json.Marshal(score)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, p.channel+latestKeySuffix, payload, 0)
	pipe.Publish(ctx, p.channel, payload)
	_, err = pipe.Exec(ctx)
	return err
}

// LatestFromRedis reads the mirrored score, for processes that only poll.
func LatestFromRedis(ctx context.Context, rdb *redis.Client, channel string) (model.RiskScore, bool, error) {
	raw, err := rdb.Get(ctx, channel+latestKeySuffix).Bytes()
	if err == redis.Nil {
		return model.RiskScore{}, false, nil
	}
	if err != nil {
		return model.RiskScore{}, false, err
	}
	var score model.RiskScore
	if err := json.Unmarshal(raw, &score); err != nil {
		return model.RiskScore{}, false, err
	}
	return score, true, nil
}
