package port

import (
	"context"
	"time"

	"github.com/arklim/extension-license-service/internal/core/domain"
)

// ChallengeRepository stores one-time handshake challenges.
type ChallengeRepository interface {
	Create(ctx context.Context, challenge domain.Challenge) error
	// Consume atomically flips used=false to used=true for the matching
	// challenge and returns it. Unknown or already consumed challenges yield
	// repository.ErrNotFound; at most one caller ever succeeds.
	Consume(ctx context.Context, nonce, token string, at time.Time) (*domain.Challenge, error)
	Delete(ctx context.Context, id string) error
	// DeleteStale removes challenges expired before the cutoff.
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
}
