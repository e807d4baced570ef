// Package limiter applies one fixed sliding-window limit to keys, falling back
// to an in-process store while the primary store's circuit is open.
package limiter

import (
	"context"
	"log/slog"
	"time"

	"quickex/internal/ratelimit/metrics"
	"quickex/internal/ratelimit/models"
	"quickex/pkg/platform/circuit"
)

// BucketStore is the sliding window counter the limiter consults.
type BucketStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error)
}

type Limiter struct {
	primary  BucketStore
	fallback BucketStore
	breaker  *circuit.Breaker
	limit    int
	window   time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Limiter)

// WithFallback sets the store used while the primary circuit is open.
func WithFallback(store BucketStore) Option {
	return func(l *Limiter) {
		l.fallback = store
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(l *Limiter) {
		l.breaker = b
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

func New(primary BucketStore, limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		primary: primary,
		limit:   limit,
		window:  window,
		breaker: circuit.New("ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Allow spends one request for key. An error means the decision could not be
// made; callers choose whether to fail open.
func (l *Limiter) Allow(ctx context.Context, key string) (*models.RateLimitResult, error) {
	res, err := l.primary.Allow(ctx, key, l.limit, l.window)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		useFallback, change := l.breaker.RecordFailure()
		if change.Opened {
			l.metrics.SetCircuitOpen(true)
			l.logger.WarnContext(ctx, "rate limit circuit opened", "breaker", l.breaker.Name(), "error", err)
		}
		if !useFallback || l.fallback == nil {
			l.metrics.IncrementDecision("error")
			return nil, err
		}
		return l.fromFallback(ctx, key)
	}

	usePrimary, change := l.breaker.RecordSuccess()
	if change.Closed {
		l.metrics.SetCircuitOpen(false)
		l.logger.InfoContext(ctx, "rate limit circuit closed", "breaker", l.breaker.Name())
	}
	if !usePrimary && l.fallback != nil {
		return l.fromFallback(ctx, key)
	}
	l.record(res)
	return res, nil
}

func (l *Limiter) fromFallback(ctx context.Context, key string) (*models.RateLimitResult, error) {
	l.metrics.IncrementFallback()
	res, err := l.fallback.Allow(ctx, key, l.limit, l.window)
	if err != nil {
		l.metrics.IncrementDecision("error")
		return nil, err
	}
	res.Degraded = true
	l.record(res)
	return res, nil
}

func (l *Limiter) record(res *models.RateLimitResult) {
	if res.Allowed {
		l.metrics.IncrementDecision("allowed")
		return
	}
	l.metrics.IncrementDecision("denied")
}
