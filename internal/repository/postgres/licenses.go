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

var licenseColumns = []string{
	"id",
	"license_key",
	"status",
	"max_devices",
	"customer_name",
	"customer_email",
	"subscription_id",
	"activated_at",
	"last_validated_at",
	"created_at",
	"updated_at",
}

// LicenseRepository implements port.LicenseRepository backed by PostgreSQL.
type LicenseRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewLicenseRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewLicenseRepository(exec pgExecutor) *LicenseRepository {
	return &LicenseRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// WithTx returns a repository instance that executes statements within the supplied transaction.
func (r *LicenseRepository) WithTx(tx pgx.Tx) *LicenseRepository {
	if tx == nil {
		return r
	}
	return &LicenseRepository{exec: tx, builder: r.builder}
}

// GetByKey fetches a license by its normalized key.
func (r *LicenseRepository) GetByKey(ctx context.Context, key string) (*domain.License, error) {
	return r.getOne(ctx, squirrel.Eq{"license_key": key})
}

// GetByID fetches a license by identifier.
func (r *LicenseRepository) GetByID(ctx context.Context, id string) (*domain.License, error) {
	return r.getOne(ctx, squirrel.Eq{"id": id})
}

func (r *LicenseRepository) getOne(ctx context.Context, where squirrel.Eq) (*domain.License, error) {
	stmt, args, err := r.builder.
		Select(licenseColumns...).
		From("licenses").
		Where(where).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select license sql: %w", err)
	}

	license, err := scanLicense(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("scan license: %w", err)
	}
	return license, nil
}

// UpdateStatus performs a compare-and-set on the license status.
func (r *LicenseRepository) UpdateStatus(ctx context.Context, id string, from, to domain.LicenseStatus) error {
	stmt, args, err := r.builder.
		Update("licenses").
		Set("status", string(to)).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": id, "status": string(from)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update license status sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update license status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkValidated records a successful validation; activated_at is only set once.
func (r *LicenseRepository) MarkValidated(ctx context.Context, id string, at time.Time) error {
	const stmt = `
        UPDATE licenses
           SET last_validated_at = $2,
               activated_at = COALESCE(activated_at, $2),
               updated_at = $2
         WHERE id = $1
    `
	tag, err := r.exec.Exec(ctx, stmt, id, at.UTC())
	if err != nil {
		return fmt.Errorf("mark license validated: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetSubscription fetches the subscription backing a license.
func (r *LicenseRepository) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	stmt, args, err := r.builder.
		Select("id", "status", "plan_type", "current_period_end").
		From("subscriptions").
		Where(squirrel.Eq{"id": id}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select subscription sql: %w", err)
	}

	var (
		sub       domain.Subscription
		status    string
		planType  sql.NullString
		periodEnd sql.NullTime
	)
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(&sub.ID, &status, &planType, &periodEnd); err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.Status = domain.SubscriptionStatus(status)
	sub.PlanType = planType.String
	sub.CurrentPeriodEnd = nullableTimePtr(periodEnd)
	return &sub, nil
}

// ExpireSubscription marks the subscription expired and suspends an active license in one transaction.
func (r *LicenseRepository) ExpireSubscription(ctx context.Context, subscriptionID, licenseID string, at time.Time) error {
	return runInTx(ctx, r.exec, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE subscriptions SET status = 'expired', updated_at = $2 WHERE id = $1 AND status <> 'expired'`,
			subscriptionID, at.UTC(),
		); err != nil {
			return fmt.Errorf("expire subscription: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE licenses SET status = 'suspended', updated_at = $2 WHERE id = $1 AND status = 'active'`,
			licenseID, at.UTC(),
		); err != nil {
			return fmt.Errorf("suspend license: %w", err)
		}
		return nil
	})
}

func scanLicense(row pgx.Row) (*domain.License, error) {
	var (
		license         domain.License
		status          string
		customerName    sql.NullString
		customerEmail   sql.NullString
		subscriptionID  sql.NullString
		activatedAt     sql.NullTime
		lastValidatedAt sql.NullTime
	)

	if err := row.Scan(
		&license.ID,
		&license.Key,
		&status,
		&license.MaxDevices,
		&customerName,
		&customerEmail,
		&subscriptionID,
		&activatedAt,
		&lastValidatedAt,
		&license.CreatedAt,
		&license.UpdatedAt,
	); err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	license.Status = domain.LicenseStatus(status)
	license.CustomerName = customerName.String
	license.CustomerEmail = nullableStringPtr(customerEmail)
	license.SubscriptionID = nullableStringPtr(subscriptionID)
	license.ActivatedAt = nullableTimePtr(activatedAt)
	license.LastValidatedAt = nullableTimePtr(lastValidatedAt)
	return &license, nil
}

var _ port.LicenseRepository = (*LicenseRepository)(nil)
