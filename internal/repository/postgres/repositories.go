package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repositories groups concrete PostgreSQL repository implementations.
type Repositories struct {
	pool *pgxpool.Pool

	Licenses     *LicenseRepository
	Devices      *DeviceRepository
	Challenges   *ChallengeRepository
	Sessions     *SessionRepository
	SecurityLogs *SecurityLogRepository
}

// NewRepositories wires all repositories backed by the provided pool.
func NewRepositories(pool *pgxpool.Pool) *Repositories {
	return &Repositories{
		pool:         pool,
		Licenses:     NewLicenseRepository(pool),
		Devices:      NewDeviceRepository(pool),
		Challenges:   NewChallengeRepository(pool),
		Sessions:     NewSessionRepository(pool),
		SecurityLogs: NewSecurityLogRepository(pool),
	}
}

// Ping verifies database connectivity for readiness checks.
func (r *Repositories) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
