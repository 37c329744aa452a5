package domain

import (
	"regexp"
	"strings"
	"time"
)

// LicenseStatus enumerates the lifecycle states of a purchased license.
type LicenseStatus string

const (
	// LicenseStatusPending marks a license that has been sold but not yet enabled.
	LicenseStatusPending LicenseStatus = "pending"
	// LicenseStatusActive is the only status that permits activation and heartbeats.
	LicenseStatusActive LicenseStatus = "active"
	// LicenseStatusSuspended is reversible; typically set when the subscription lapses.
	LicenseStatusSuspended LicenseStatus = "suspended"
	// LicenseStatusExpired marks a license whose term is over.
	LicenseStatusExpired LicenseStatus = "expired"
	// LicenseStatusRevoked is terminal.
	LicenseStatusRevoked LicenseStatus = "revoked"
)

var licenseTransitions = map[LicenseStatus][]LicenseStatus{
	LicenseStatusPending:   {LicenseStatusActive, LicenseStatusRevoked},
	LicenseStatusActive:    {LicenseStatusSuspended, LicenseStatusExpired, LicenseStatusRevoked},
	LicenseStatusSuspended: {LicenseStatusActive, LicenseStatusExpired, LicenseStatusRevoked},
	LicenseStatusExpired:   {LicenseStatusRevoked},
}

// ParseLicenseStatus converts raw input into a known status.
func ParseLicenseStatus(raw string) (LicenseStatus, bool) {
	status := LicenseStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case LicenseStatusPending, LicenseStatusActive, LicenseStatusSuspended, LicenseStatusExpired, LicenseStatusRevoked:
		return status, true
	default:
		return "", false
	}
}

// CanTransitionTo reports whether moving from s to next is permitted.
// Transitions only move toward terminal states, except active <-> suspended.
func (s LicenseStatus) CanTransitionTo(next LicenseStatus) bool {
	for _, candidate := range licenseTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// License is the purchasable entitlement a device activates against.
type License struct {
	ID              string
	Key             string
	Status          LicenseStatus
	MaxDevices      int
	CustomerName    string
	CustomerEmail   *string
	SubscriptionID  *string
	ActivatedAt     *time.Time
	LastValidatedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsActive reports whether the license currently grants access.
func (l License) IsActive() bool {
	return l.Status == LicenseStatusActive
}

// DeviceLimit returns the effective device limit; non-positive values fall back to one device.
func (l License) DeviceLimit() int {
	if l.MaxDevices <= 0 {
		return 1
	}
	return l.MaxDevices
}

// licenseKeyPattern matches PREFIX-XXXX-XXXX-XXXX after normalization.
var licenseKeyPattern = regexp.MustCompile(`^[A-Z0-9]{2,12}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// NormalizeLicenseKey canonicalises user-entered keys (surrounding whitespace, case).
func NormalizeLicenseKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// ValidLicenseKey reports whether the normalized key has the issued key format.
func ValidLicenseKey(key string) bool {
	return licenseKeyPattern.MatchString(NormalizeLicenseKey(key))
}

// SubscriptionStatus enumerates billing states of the subscription backing a license.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

// Subscription is the recurring billing record that keeps a license active.
type Subscription struct {
	ID               string
	Status           SubscriptionStatus
	PlanType         string
	CurrentPeriodEnd *time.Time
}

// PeriodEnded reports whether the paid period is over at the supplied moment.
// Subscriptions without a period end never lapse on their own.
func (s Subscription) PeriodEnded(at time.Time) bool {
	if s.CurrentPeriodEnd == nil {
		return false
	}
	return !s.CurrentPeriodEnd.After(at)
}
