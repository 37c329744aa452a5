package domain

import "time"

// SecurityAction names an audited event in license_logs.
type SecurityAction string

const (
	ActionChallengeIssued             SecurityAction = "challenge_issued"
	ActionProxyDetected               SecurityAction = "proxy_detected"
	ActionValidationSuccess           SecurityAction = "validation_success"
	ActionValidationFailed            SecurityAction = "validation_failed"
	ActionDecryptionFailed            SecurityAction = "decryption_failed"
	ActionClientKeyMismatch           SecurityAction = "client_key_mismatch"
	ActionFingerprintMismatch         SecurityAction = "fingerprint_mismatch"
	ActionDeviceActivated             SecurityAction = "device_activated"
	ActionDeviceLimitReached          SecurityAction = "device_limit_reached"
	ActionDeviceDeactivated           SecurityAction = "device_deactivated"
	ActionDevicesReset                SecurityAction = "devices_reset"
	ActionSubscriptionExpiredRealtime SecurityAction = "subscription_expired_realtime"
	ActionRateLimitExceeded           SecurityAction = "rate_limit_exceeded"
	ActionSessionCreated              SecurityAction = "session_created"
	ActionSessionExpired              SecurityAction = "session_expired"
	ActionSessionLoggedOut            SecurityAction = "session_logged_out"
	ActionIntegrityViolation          SecurityAction = "integrity_violation"
	ActionLicenseInactive             SecurityAction = "license_inactive"
	ActionLicenseStatusChanged        SecurityAction = "license_status_changed"
)

// SecurityEvent is an append-only audit record. It is persisted to
// license_logs and mirrored onto the security event stream.
type SecurityEvent struct {
	ID                string
	Action            SecurityAction
	LicenseID         *string
	DeviceFingerprint *string
	IPAddress         *string
	UserAgent         *string
	EncryptionVersion int
	Metadata          map[string]any
	CreatedAt         time.Time
}
