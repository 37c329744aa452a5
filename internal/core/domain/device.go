package domain

import "time"

// DeviceBinding associates a device fingerprint with a license.
// The pair (LicenseID, Fingerprint) is unique.
type DeviceBinding struct {
	ID          string
	LicenseID   string
	Fingerprint string
	IsActive    bool
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	IPAddress   *string
	DeviceInfo  map[string]any
}

// BindOutcome describes what happened when a device asked to be bound to a license.
type BindOutcome int

const (
	// BindOutcomeCreated means a new binding consumed one device slot.
	BindOutcomeCreated BindOutcome = iota + 1
	// BindOutcomeRefreshed means an existing active binding was touched.
	BindOutcomeRefreshed
	// BindOutcomeLimitReached means the license has no free slot for a new device.
	BindOutcomeLimitReached
	// BindOutcomeDeactivated means the fingerprint was bound before and has since been deactivated.
	BindOutcomeDeactivated
)

func (o BindOutcome) String() string {
	switch o {
	case BindOutcomeCreated:
		return "created"
	case BindOutcomeRefreshed:
		return "refreshed"
	case BindOutcomeLimitReached:
		return "limit_reached"
	case BindOutcomeDeactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

// Permitted reports whether the device may continue with session issuance.
func (o BindOutcome) Permitted() bool {
	return o == BindOutcomeCreated || o == BindOutcomeRefreshed
}
