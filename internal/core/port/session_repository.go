package port

import (
	"context"
	"time"

	"github.com/arklim/extension-license-service/internal/core/domain"
)

// SessionRepository deals with session storage.
type SessionRepository interface {
	// Replace removes every session of the (license, device) pair and stores the new one.
	Replace(ctx context.Context, session domain.Session) error
	GetByToken(ctx context.Context, token string) (*domain.Session, error)
	// Extend pushes expires_at forward only while the session has not yet
	// expired at the supplied moment; otherwise repository.ErrNotFound.
	Extend(ctx context.Context, token string, at, expiresAt time.Time, ip *string) error
	Delete(ctx context.Context, token string) error
	DeleteByLicense(ctx context.Context, licenseID string) (int64, error)
	DeleteByDevice(ctx context.Context, licenseID, fingerprint string) (int64, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
