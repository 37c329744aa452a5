package postgres

import (
	"context"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/core/port"
)

// SecurityLogRepository appends audit entries to license_logs.
type SecurityLogRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewSecurityLogRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewSecurityLogRepository(exec pgExecutor) *SecurityLogRepository {
	return &SecurityLogRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Append inserts a security event. Entries are never updated.
func (r *SecurityLogRepository) Append(ctx context.Context, event domain.SecurityEvent) error {
	metadata, err := marshalJSONB(event.Metadata)
	if err != nil {
		return err
	}

	stmt, args, err := r.builder.Insert("license_logs").
		Columns(
			"id",
			"action",
			"license_id",
			"device_fingerprint",
			"ip_address",
			"user_agent",
			"encryption_version",
			"metadata",
			"created_at",
		).
		Values(
			event.ID,
			string(event.Action),
			optionalString(event.LicenseID),
			optionalString(event.DeviceFingerprint),
			optionalString(event.IPAddress),
			optionalString(event.UserAgent),
			event.EncryptionVersion,
			metadata,
			event.CreatedAt.UTC(),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert license log sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert license log: %w", err)
	}
	return nil
}

var _ port.SecurityLogRepository = (*SecurityLogRepository)(nil)
