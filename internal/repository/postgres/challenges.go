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

const consumeChallengeSQL = `
    UPDATE challenges
       SET used = TRUE,
           used_at = $3
     WHERE nonce = $1
       AND challenge_token = $2
       AND used = FALSE
 RETURNING id, nonce, challenge_token, device_fingerprint, extension_id,
           server_private_key, server_public_key, client_public_key,
           created_at, expires_at, used, used_at
`

// ChallengeRepository implements port.ChallengeRepository backed by PostgreSQL.
type ChallengeRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewChallengeRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewChallengeRepository(exec pgExecutor) *ChallengeRepository {
	return &ChallengeRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Create persists a freshly issued challenge.
func (r *ChallengeRepository) Create(ctx context.Context, challenge domain.Challenge) error {
	stmt, args, err := r.builder.Insert("challenges").
		Columns(
			"id",
			"nonce",
			"challenge_token",
			"device_fingerprint",
			"extension_id",
			"server_private_key",
			"server_public_key",
			"client_public_key",
			"created_at",
			"expires_at",
			"used",
		).
		Values(
			challenge.ID,
			challenge.Nonce,
			challenge.Token,
			challenge.DeviceFingerprint,
			optionalString(challenge.ExtensionID),
			challenge.ServerPrivateKey,
			challenge.ServerPublicKey,
			optionalString(challenge.ClientPublicKey),
			challenge.CreatedAt.UTC(),
			challenge.ExpiresAt.UTC(),
			false,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert challenge sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

// Consume is a single conditional update, so concurrent callers race on the row lock
// and exactly one of them observes used = FALSE.
func (r *ChallengeRepository) Consume(ctx context.Context, nonce, token string, at time.Time) (*domain.Challenge, error) {
	challenge, err := scanChallenge(r.exec.QueryRow(ctx, consumeChallengeSQL, nonce, token, at.UTC()))
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("consume challenge: %w", err)
	}
	return challenge, nil
}

// Delete removes a challenge by identifier.
func (r *ChallengeRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.exec.Exec(ctx, `DELETE FROM challenges WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	return nil
}

// DeleteStale removes challenges that expired before cutoff, used or not.
func (r *ChallengeRepository) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.exec.Exec(ctx, `DELETE FROM challenges WHERE expires_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete stale challenges: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanChallenge(row pgx.Row) (*domain.Challenge, error) {
	var (
		challenge   domain.Challenge
		extensionID sql.NullString
		clientKey   sql.NullString
		usedAt      sql.NullTime
	)

	if err := row.Scan(
		&challenge.ID,
		&challenge.Nonce,
		&challenge.Token,
		&challenge.DeviceFingerprint,
		&extensionID,
		&challenge.ServerPrivateKey,
		&challenge.ServerPublicKey,
		&clientKey,
		&challenge.CreatedAt,
		&challenge.ExpiresAt,
		&challenge.Used,
		&usedAt,
	); err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	challenge.ExtensionID = nullableStringPtr(extensionID)
	challenge.ClientPublicKey = nullableStringPtr(clientKey)
	challenge.UsedAt = nullableTimePtr(usedAt)
	return &challenge, nil
}

var _ port.ChallengeRepository = (*ChallengeRepository)(nil)
