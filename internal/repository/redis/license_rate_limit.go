package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/core/port"
)

const defaultFixedWindowPrefix = "license:ratelimit"

// FixedWindowLimiter counts requests per key inside epoch-aligned windows.
// Each window owns its own counter key, so a new window always starts at zero.
type FixedWindowLimiter struct {
	client *redis.Client
	prefix string
}

// NewFixedWindowLimiter constructs a limiter storing counters under prefix.
func NewFixedWindowLimiter(client *redis.Client, prefix string) *FixedWindowLimiter {
	if prefix == "" {
		prefix = defaultFixedWindowPrefix
	}
	return &FixedWindowLimiter{client: client, prefix: prefix}
}

// Allow increments the counter of the window containing at and reports whether the limit still holds.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration, at time.Time) (domain.RateDecision, error) {
	if window <= 0 {
		return domain.RateDecision{}, errors.New("window must be positive")
	}
	if limit <= 0 {
		return domain.RateDecision{}, errors.New("limit must be positive")
	}

	start := windowStart(at, window)
	counterKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, start.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, counterKey)
	pipe.Expire(ctx, counterKey, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.RateDecision{}, fmt.Errorf("redis incr window: %w", err)
	}

	count := int(incr.Val())
	return domain.RateDecision{
		Allowed:    count <= limit,
		Count:      count,
		Limit:      limit,
		RetryAfter: start.Add(window).Sub(at),
	}, nil
}

func windowStart(at time.Time, window time.Duration) time.Time {
	nanos := at.UnixNano()
	return time.Unix(0, nanos-nanos%int64(window))
}

var _ port.FixedWindowLimiter = (*FixedWindowLimiter)(nil)
