package port

import (
	"context"

	"github.com/arklim/extension-license-service/internal/core/domain"
)

// SecurityLogRepository appends to the license_logs audit table.
type SecurityLogRepository interface {
	Append(ctx context.Context, event domain.SecurityEvent) error
}
