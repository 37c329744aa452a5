package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/core/port"
	"github.com/arklim/extension-license-service/internal/repository"
)

// SessionRepository implements port.SessionRepository backed by PostgreSQL.
type SessionRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewSessionRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewSessionRepository(exec pgExecutor) *SessionRepository {
	return &SessionRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// WithTx returns a repository instance that executes statements within the supplied transaction.
func (r *SessionRepository) WithTx(tx pgx.Tx) *SessionRepository {
	if tx == nil {
		return r
	}
	return &SessionRepository{exec: tx, builder: r.builder}
}

// Replace drops the prior sessions of the (license, device) pair and inserts the new session.
func (r *SessionRepository) Replace(ctx context.Context, session domain.Session) error {
	return runInTx(ctx, r.exec, func(tx pgx.Tx) error {
		scoped := r.WithTx(tx)
		if _, err := scoped.DeleteByDevice(ctx, session.LicenseID, session.DeviceFingerprint); err != nil {
			return err
		}
		return scoped.create(ctx, session)
	})
}

func (r *SessionRepository) create(ctx context.Context, session domain.Session) error {
	stmt, args, err := r.builder.Insert("sessions").
		Columns(
			"id",
			"session_token",
			"license_id",
			"device_fingerprint",
			"integrity_hash",
			"ip_address",
			"created_at",
			"last_heartbeat",
			"expires_at",
		).
		Values(
			session.ID,
			session.Token,
			session.LicenseID,
			session.DeviceFingerprint,
			domain.IntegrityOrSentinel(session.IntegrityHash),
			optionalString(session.IPAddress),
			session.CreatedAt.UTC(),
			session.LastHeartbeat.UTC(),
			session.ExpiresAt.UTC(),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert session sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetByToken fetches a session by its bearer token.
func (r *SessionRepository) GetByToken(ctx context.Context, token string) (*domain.Session, error) {
	stmt, args, err := r.builder.
		Select(
			"id",
			"session_token",
			"license_id",
			"device_fingerprint",
			"integrity_hash",
			"ip_address",
			"created_at",
			"last_heartbeat",
			"expires_at",
		).
		From("sessions").
		Where(squirrel.Eq{"session_token": token}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select session sql: %w", err)
	}

	session, err := scanSession(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return session, nil
}

// Extend moves expires_at forward; rows that already expired at the supplied moment are left untouched.
func (r *SessionRepository) Extend(ctx context.Context, token string, at, expiresAt time.Time, ip *string) error {
	const stmt = `
        UPDATE sessions
           SET last_heartbeat = $2,
               expires_at = $3,
               ip_address = COALESCE($4, ip_address)
         WHERE session_token = $1
           AND expires_at > $2
    `
	tag, err := r.exec.Exec(ctx, stmt, token, at.UTC(), expiresAt.UTC(), optionalString(ip))
	if err != nil {
		return fmt.Errorf("extend session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete removes a session by token. Deleting a missing session is not an error.
func (r *SessionRepository) Delete(ctx context.Context, token string) error {
	if _, err := r.exec.Exec(ctx, `DELETE FROM sessions WHERE session_token = $1`, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteByLicense removes every session of the license.
func (r *SessionRepository) DeleteByLicense(ctx context.Context, licenseID string) (int64, error) {
	tag, err := r.exec.Exec(ctx, `DELETE FROM sessions WHERE license_id = $1`, licenseID)
	if err != nil {
		return 0, fmt.Errorf("delete license sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteByDevice removes the sessions of a (license, device) pair.
func (r *SessionRepository) DeleteByDevice(ctx context.Context, licenseID, fingerprint string) (int64, error) {
	tag, err := r.exec.Exec(ctx,
		`DELETE FROM sessions WHERE license_id = $1 AND device_fingerprint = $2`,
		licenseID, fingerprint,
	)
	if err != nil {
		return 0, fmt.Errorf("delete device sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired removes sessions whose expiry is at or before cutoff.
func (r *SessionRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.exec.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		session domain.Session
		ip      sql.NullString
	)

	if err := row.Scan(
		&session.ID,
		&session.Token,
		&session.LicenseID,
		&session.DeviceFingerprint,
		&session.IntegrityHash,
		&ip,
		&session.CreatedAt,
		&session.LastHeartbeat,
		&session.ExpiresAt,
	); err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	session.IPAddress = nullableStringPtr(ip)
	return &session, nil
}

var _ port.SessionRepository = (*SessionRepository)(nil)
