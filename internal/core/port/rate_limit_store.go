package port

import (
	"context"
	"time"

	"github.com/arklim/extension-license-service/internal/core/domain"
)

// RateLimitStore defines the persistence operations required to enforce sliding-window limits.
type RateLimitStore interface {
	TrimWindow(ctx context.Context, identifier string, window time.Duration, reference time.Time) error
	CountAttempts(ctx context.Context, identifier string, window time.Duration, reference time.Time) (int, error)
	RecordAttempt(ctx context.Context, identifier string, at time.Time) error
	OldestAttempt(ctx context.Context, identifier string, window time.Duration, reference time.Time) (time.Time, bool, error)
}

// FixedWindowLimiter counts hits per key in aligned windows.
type FixedWindowLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration, at time.Time) (domain.RateDecision, error)
}
