// Package ratelimit gates calls to external endpoints with one token bucket
// per endpoint key. A denial is a value carrying a retry-after hint, never
// an error and never a wait.
package ratelimit

import (
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"riskguard/internal/metrics"
)

const (
	DefaultPerMinute = 60
	DefaultBurstSize = 10
)

type Config struct {
	DefaultPerMinute int
	DefaultBurstSize int
	// Endpoints overrides the per-minute rate for specific keys.
	Endpoints map[string]int
}

func DefaultConfig() Config {
	return Config{
		DefaultPerMinute: DefaultPerMinute,
		DefaultBurstSize: DefaultBurstSize,
		Endpoints: map[string]int{
			"geolocation": 20,
			"email":       6,
		},
	}
}

type Result struct {
	Allowed    bool          `json:"allowed"`
	Tokens     float64       `json:"tokens"`
	RetryAfter time.Duration `json:"-"`
}

// RetryAfterMs is the wait in whole milliseconds, rounded up.
func (r Result) RetryAfterMs() int64 {
	return r.RetryAfter.Milliseconds()
}

// TokenBucket is a point-in-time view of one endpoint's bucket.
type TokenBucket struct {
	Endpoint        string    `json:"endpoint"`
	Tokens          float64   `json:"tokens"`
	LastRefill      time.Time `json:"last_refill"`
	MaxTokens       float64   `json:"max_tokens"`
	RefillRatePerMs float64   `json:"refill_rate_per_ms"`
}

type bucket struct {
	limiter    *rate.Limiter
	perMinute  int
	maxTokens  int
	lastRefill time.Time
}

type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*bucket
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Limiter {
	return &Limiter{
		cfg:     normalize(cfg),
		buckets: make(map[string]*bucket),
		now:     time.Now,
		metrics: m,
		logger:  logger,
	}
}

func normalize(cfg Config) Config {
	if cfg.DefaultPerMinute <= 0 {
		cfg.DefaultPerMinute = DefaultPerMinute
	}
	if cfg.DefaultBurstSize <= 0 {
		cfg.DefaultBurstSize = DefaultBurstSize
	}
	eps := make(map[string]int, len(cfg.Endpoints))
	for k, v := range cfg.Endpoints {
		if v > 0 {
			eps[normalizeKey(k)] = v
		}
	}
	cfg.Endpoints = eps
	return cfg
}

func normalizeKey(endpoint string) string {
	return strings.ToLower(strings.TrimSpace(endpoint))
}

func (l *Limiter) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// UpdateConfig retunes existing buckets in place; their tokens are kept.
func (l *Limiter) UpdateConfig(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = normalize(cfg)
	now := l.now()
	for key, b := range l.buckets {
		perMin, maxTokens := l.sizing(key)
		if perMin == b.perMinute && maxTokens == b.maxTokens {
			continue
		}
		b.limiter.SetLimitAt(now, perSecond(perMin))
		b.limiter.SetBurstAt(now, maxTokens)
		b.perMinute = perMin
		b.maxTokens = maxTokens
	}
}

// sizing returns the per-minute rate and the bucket capacity for key.
// Caller holds mu.
func (l *Limiter) sizing(key string) (int, int) {
	perMin := l.cfg.DefaultPerMinute
	if v, ok := l.cfg.Endpoints[key]; ok {
		perMin = v
	}
	maxTokens := perMin
	if ceiling := 2 * l.cfg.DefaultBurstSize; ceiling < maxTokens {
		maxTokens = ceiling
	}
	return perMin, maxTokens
}

func perSecond(perMinute int) rate.Limit {
	return rate.Limit(float64(perMinute) / 60)
}

// get returns the bucket for key, creating it full. Caller holds mu.
func (l *Limiter) get(key string, now time.Time) *bucket {
	if b, ok := l.buckets[key]; ok {
		return b
	}
	perMin, maxTokens := l.sizing(key)
	b := &bucket{
		limiter:    rate.NewLimiter(perSecond(perMin), maxTokens),
		perMinute:  perMin,
		maxTokens:  maxTokens,
		lastRefill: now,
	}
	l.buckets[key] = b
	return b
}

func (b *bucket) tokens(now time.Time) float64 {
	return math.Min(b.limiter.TokensAt(now), float64(b.maxTokens))
}

func (b *bucket) retryAfter(tokens float64) time.Duration {
	if tokens >= 1 {
		return 0
	}
	perMs := float64(b.perMinute) / 60000
	ms := math.Ceil((1 - tokens) / perMs)
	return time.Duration(ms) * time.Millisecond
}

// Check consumes one token when available.
func (l *Limiter) Check(endpoint string) Result {
	key := normalizeKey(endpoint)
	l.mu.Lock()
	now := l.now()
	b := l.get(key, now)
	b.lastRefill = now
	if b.limiter.AllowN(now, 1) {
		res := Result{Allowed: true, Tokens: b.tokens(now)}
		l.mu.Unlock()
		return res
	}
	tokens := b.tokens(now)
	res := Result{Allowed: false, Tokens: tokens, RetryAfter: b.retryAfter(tokens)}
	l.mu.Unlock()

	l.metrics.RateLimited(key)
	if l.logger != nil {
		l.logger.Debug("rate limited", "endpoint", key, "retry_after_ms", res.RetryAfterMs())
	}
	return res
}

// Peek reports what Check would return without consuming a token.
func (l *Limiter) Peek(endpoint string) Result {
	key := normalizeKey(endpoint)
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b := l.get(key, now)
	b.lastRefill = now
	tokens := b.tokens(now)
	return Result{Allowed: tokens >= 1, Tokens: tokens, RetryAfter: b.retryAfter(tokens)}
}

// Reset drops the bucket; the next use starts full.
func (l *Limiter) Reset(endpoint string) {
	l.mu.Lock()
	delete(l.buckets, normalizeKey(endpoint))
	l.mu.Unlock()
}

// Bucket returns a snapshot, or false if the bucket has not been created.
func (l *Limiter) Bucket(endpoint string) (TokenBucket, bool) {
	key := normalizeKey(endpoint)
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		return TokenBucket{}, false
	}
	return TokenBucket{
		Endpoint:        key,
		Tokens:          b.tokens(l.now()),
		LastRefill:      b.lastRefill,
		MaxTokens:       float64(b.maxTokens),
		RefillRatePerMs: float64(b.perMinute) / 60000,
	}, true
}

// Buckets lists every live bucket sorted by endpoint.
func (l *Limiter) Buckets() []TokenBucket {
	l.mu.Lock()
	keys := make([]string, 0, len(l.buckets))
	for k := range l.buckets {
		keys = append(keys, k)
	}
	l.mu.Unlock()
	sort.Strings(keys)
	out := make([]TokenBucket, 0, len(keys))
	for _, k := range keys {
		if b, ok := l.Bucket(k); ok {
			out = append(out, b)
		}
	}
	return out
}
