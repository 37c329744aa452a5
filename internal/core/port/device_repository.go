package port

import (
	"context"

	"github.com/arklim/extension-license-service/internal/core/domain"
)

// DeviceRepository manages device bindings.
type DeviceRepository interface {
	// Bind serialises against other bindings of the same license and reports
	// whether the device may proceed. A new binding is only inserted while the
	// active binding count stays below maxDevices.
	Bind(ctx context.Context, binding domain.DeviceBinding, maxDevices int) (domain.BindOutcome, error)
	ListByLicense(ctx context.Context, licenseID string) ([]domain.DeviceBinding, error)
	Deactivate(ctx context.Context, licenseID, fingerprint string) error
	DeleteByLicense(ctx context.Context, licenseID string) (int64, error)
}
