package postgres

import (
	"context"
	"database/sql"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/core/port"
	"github.com/arklim/extension-license-service/internal/repository"
)

// DeviceRepository implements port.DeviceRepository backed by PostgreSQL.
type DeviceRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewDeviceRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewDeviceRepository(exec pgExecutor) *DeviceRepository {
	return &DeviceRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Bind locks the license row so that concurrent activations of the same
// license are serialised, then refreshes, rejects or inserts the binding.
// The unique (license_id, device_fingerprint) index backs the insert.
func (r *DeviceRepository) Bind(ctx context.Context, binding domain.DeviceBinding, maxDevices int) (domain.BindOutcome, error) {
	var outcome domain.BindOutcome

	err := runInTx(ctx, r.exec, func(tx pgx.Tx) error {
		var lockedID string
		if err := tx.QueryRow(ctx, `SELECT id FROM licenses WHERE id = $1 FOR UPDATE`, binding.LicenseID).Scan(&lockedID); err != nil {
			if isNoRows(err) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("lock license: %w", err)
		}

		var (
			existingID string
			isActive   bool
		)
		err := tx.QueryRow(ctx,
			`SELECT id, is_active FROM device_bindings WHERE license_id = $1 AND device_fingerprint = $2`,
			binding.LicenseID, binding.Fingerprint,
		).Scan(&existingID, &isActive)
		switch {
		case err == nil && isActive:
			if _, err := tx.Exec(ctx,
				`UPDATE device_bindings SET last_seen_at = $2, ip_address = COALESCE($3, ip_address) WHERE id = $1`,
				existingID, binding.LastSeenAt.UTC(), optionalString(binding.IPAddress),
			); err != nil {
				return fmt.Errorf("touch device binding: %w", err)
			}
			outcome = domain.BindOutcomeRefreshed
			return nil
		case err == nil:
			outcome = domain.BindOutcomeDeactivated
			return nil
		case !isNoRows(err):
			return fmt.Errorf("lookup device binding: %w", err)
		}

		var active int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM device_bindings WHERE license_id = $1 AND is_active`,
			binding.LicenseID,
		).Scan(&active); err != nil {
			return fmt.Errorf("count device bindings: %w", err)
		}
		if active >= maxDevices {
			outcome = domain.BindOutcomeLimitReached
			return nil
		}

		info, err := marshalJSONB(binding.DeviceInfo)
		if err != nil {
			return err
		}
		stmt, args, err := r.builder.Insert("device_bindings").
			Columns(
				"id",
				"license_id",
				"device_fingerprint",
				"is_active",
				"first_seen_at",
				"last_seen_at",
				"ip_address",
				"device_info",
			).
			Values(
				binding.ID,
				binding.LicenseID,
				binding.Fingerprint,
				true,
				binding.FirstSeenAt.UTC(),
				binding.LastSeenAt.UTC(),
				optionalString(binding.IPAddress),
				info,
			).
			ToSql()
		if err != nil {
			return fmt.Errorf("build insert device binding sql: %w", err)
		}
		if _, err := tx.Exec(ctx, stmt, args...); err != nil {
			if isUniqueViolation(err) {
				return repository.ErrConflict
			}
			return fmt.Errorf("insert device binding: %w", err)
		}
		outcome = domain.BindOutcomeCreated
		return nil
	})
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

// ListByLicense returns every binding of the license ordered by first activation.
func (r *DeviceRepository) ListByLicense(ctx context.Context, licenseID string) ([]domain.DeviceBinding, error) {
	stmt, args, err := r.builder.
		Select(
			"id",
			"license_id",
			"device_fingerprint",
			"is_active",
			"first_seen_at",
			"last_seen_at",
			"ip_address",
			"device_info",
		).
		From("device_bindings").
		Where(squirrel.Eq{"license_id": licenseID}).
		OrderBy("first_seen_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list device bindings sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query device bindings: %w", err)
	}
	defer rows.Close()

	bindings := make([]domain.DeviceBinding, 0)
	for rows.Next() {
		var (
			binding domain.DeviceBinding
			ip      sql.NullString
			info    []byte
		)
		if err := rows.Scan(
			&binding.ID,
			&binding.LicenseID,
			&binding.Fingerprint,
			&binding.IsActive,
			&binding.FirstSeenAt,
			&binding.LastSeenAt,
			&ip,
			&info,
		); err != nil {
			return nil, fmt.Errorf("scan device binding: %w", err)
		}
		binding.IPAddress = nullableStringPtr(ip)
		binding.DeviceInfo = unmarshalJSONB(info)
		bindings = append(bindings, binding)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device bindings: %w", err)
	}
	return bindings, nil
}

// Deactivate disables a single binding; the fingerprint stays blocked until reset.
func (r *DeviceRepository) Deactivate(ctx context.Context, licenseID, fingerprint string) error {
	stmt, args, err := r.builder.
		Update("device_bindings").
		Set("is_active", false).
		Where(squirrel.Eq{"license_id": licenseID, "device_fingerprint": fingerprint}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build deactivate device sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("deactivate device binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteByLicense removes every binding of the license, freeing all slots.
func (r *DeviceRepository) DeleteByLicense(ctx context.Context, licenseID string) (int64, error) {
	tag, err := r.exec.Exec(ctx, `DELETE FROM device_bindings WHERE license_id = $1`, licenseID)
	if err != nil {
		return 0, fmt.Errorf("delete device bindings: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ port.DeviceRepository = (*DeviceRepository)(nil)
