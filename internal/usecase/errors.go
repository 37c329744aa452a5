package usecase

import (
	"errors"
	"fmt"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/core/port"
)

var (
	// ErrInvalidRequest indicates a malformed request body.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrMissingFingerprint indicates a challenge request without a device fingerprint.
	ErrMissingFingerprint = errors.New("device fingerprint is required")
	// ErrMissingParams indicates required handshake fields are absent.
	ErrMissingParams = errors.New("required parameters are missing")
	// ErrMissingClientKey indicates an encrypted validation whose challenge has no pinned client key.
	ErrMissingClientKey = errors.New("client public key was not supplied with the challenge")
	// ErrLegacyDisabled indicates a plaintext validation while the legacy protocol is switched off.
	ErrLegacyDisabled = errors.New("legacy validation protocol is disabled")
	// ErrSecurityViolation indicates the request was blocked by the proxy detector.
	ErrSecurityViolation = errors.New("proxy or interception tool detected")
	// ErrInvalidChallenge indicates an unknown or already consumed challenge.
	ErrInvalidChallenge = errors.New("invalid or already used challenge")
	// ErrChallengeExpired indicates the challenge outlived its validity window.
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrDecryptionFailed indicates the encrypted payload could not be opened.
	ErrDecryptionFailed = errors.New("payload decryption failed")
	// ErrEncryptionFailed indicates the response could not be sealed.
	ErrEncryptionFailed = errors.New("response encryption failed")
	// ErrFingerprintMismatch indicates a fingerprint different from the one bound earlier in the handshake.
	ErrFingerprintMismatch = errors.New("device fingerprint mismatch")
	// ErrLicenseNotFound indicates an unknown license key.
	ErrLicenseNotFound = errors.New("license not found")
	// ErrLicenseInactive indicates a license whose status does not permit use.
	ErrLicenseInactive = errors.New("license is not active")
	// ErrSubscriptionExpired indicates the subscription backing the license has lapsed.
	ErrSubscriptionExpired = errors.New("subscription expired")
	// ErrLicenseAlreadyActivated indicates a single-device license bound to another device.
	ErrLicenseAlreadyActivated = errors.New("license already activated on another device")
	// ErrMaxDevicesReached indicates a multi-device license without free slots.
	ErrMaxDevicesReached = errors.New("maximum number of devices reached")
	// ErrDeviceDeactivated indicates the device binding was deactivated.
	ErrDeviceDeactivated = errors.New("device has been deactivated for this license")
	// ErrDeviceNotFound indicates the license has no binding for the fingerprint.
	ErrDeviceNotFound = errors.New("device binding not found")
	// ErrRateLimited is matched by *RateLimitError.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrSessionNotFound indicates an unknown session token.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired indicates the session lapsed before the heartbeat.
	ErrSessionExpired = errors.New("session expired")
	// ErrIntegrityViolation indicates the extension code changed during the session.
	ErrIntegrityViolation = errors.New("extension integrity violation")
	// ErrInvalidStatusTransition indicates a license status change that the lifecycle forbids.
	ErrInvalidStatusTransition = errors.New("invalid license status transition")
	// ErrStatusConflict indicates the license status changed concurrently.
	ErrStatusConflict = errors.New("license status changed concurrently")
)

// errMalformedLicenseKey rejects keys outside the issued format before any lookup.
var errMalformedLicenseKey = fmt.Errorf("%w: malformed license key", ErrMissingParams)

// RateLimitError carries the retry hint of a rejected request.
type RateLimitError struct {
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %ds", ErrRateLimited, e.RetryAfter)
}

// Is lets errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

type noopMetrics struct{}

func (noopMetrics) ObserveOutcome(string, string) {}
func (noopMetrics) ObserveTransition(domain.HandshakeState, domain.HandshakeState) {}
func (noopMetrics) ObserveSweep(string, int64) {}

func metricsOrNoop(m port.HandshakeMetrics) port.HandshakeMetrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
