package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/arklim/extension-license-service/internal/usecase"
)

// Fallback error codes for failures that are not classified.
const (
	CodeServerError     = "SERVER_ERROR"
	CodeEncryptionError = "ENCRYPTION_ERROR"
	CodeInvalidRequest  = "INVALID_REQUEST"
)

// ErrorCase maps a sentinel error to an HTTP status code, an error code and a response message.
type ErrorCase struct {
	Err     error
	Status  int
	Code    string
	Message string
}

// licenseErrorCases is the public error taxonomy of the license endpoints.
var licenseErrorCases = []ErrorCase{
	{Err: usecase.ErrMissingFingerprint, Status: http.StatusBadRequest, Code: "MISSING_FINGERPRINT", Message: "device_fingerprint is required"},
	{Err: usecase.ErrMissingParams, Status: http.StatusBadRequest, Code: "MISSING_PARAMS", Message: "required parameters are missing"},
	{Err: usecase.ErrMissingClientKey, Status: http.StatusBadRequest, Code: "MISSING_CLIENT_KEY", Message: "client public key was not supplied with the challenge"},
	{Err: usecase.ErrInvalidChallenge, Status: http.StatusForbidden, Code: "INVALID_CHALLENGE", Message: "invalid or already used challenge"},
	{Err: usecase.ErrChallengeExpired, Status: http.StatusForbidden, Code: "CHALLENGE_EXPIRED", Message: "challenge expired, request a new one"},
	{Err: usecase.ErrDecryptionFailed, Status: http.StatusBadRequest, Code: "DECRYPTION_FAILED", Message: "payload could not be decrypted"},
	{Err: usecase.ErrInvalidRequest, Status: http.StatusBadRequest, Code: CodeInvalidRequest, Message: "malformed request"},
	{Err: usecase.ErrLegacyDisabled, Status: http.StatusBadRequest, Code: "LEGACY_DISABLED", Message: "legacy protocol is disabled, upgrade the extension"},
	{Err: usecase.ErrLicenseNotFound, Status: http.StatusNotFound, Code: "LICENSE_NOT_FOUND", Message: "license key not found"},
	{Err: usecase.ErrSessionNotFound, Status: http.StatusNotFound, Code: "SESSION_NOT_FOUND", Message: "session not found"},
	{Err: usecase.ErrSecurityViolation, Status: http.StatusForbidden, Code: "SECURITY_VIOLATION", Message: "request blocked"},
	{Err: usecase.ErrFingerprintMismatch, Status: http.StatusForbidden, Code: "FINGERPRINT_MISMATCH", Message: "device fingerprint mismatch"},
	{Err: usecase.ErrLicenseInactive, Status: http.StatusForbidden, Code: "LICENSE_INACTIVE", Message: "license is not active"},
	{Err: usecase.ErrSubscriptionExpired, Status: http.StatusForbidden, Code: "SUBSCRIPTION_EXPIRED", Message: "subscription expired"},
	{Err: usecase.ErrLicenseAlreadyActivated, Status: http.StatusForbidden, Code: "LICENSE_ALREADY_ACTIVATED", Message: "license already activated on another device"},
	{Err: usecase.ErrMaxDevicesReached, Status: http.StatusForbidden, Code: "MAX_DEVICES_REACHED", Message: "maximum number of devices reached"},
	{Err: usecase.ErrDeviceDeactivated, Status: http.StatusForbidden, Code: "DEVICE_DEACTIVATED", Message: "device has been deactivated for this license"},
	{Err: usecase.ErrSessionExpired, Status: http.StatusForbidden, Code: "SESSION_EXPIRED", Message: "session expired, validate again"},
	{Err: usecase.ErrIntegrityViolation, Status: http.StatusForbidden, Code: "INTEGRITY_VIOLATION", Message: "extension integrity check failed"},
	{Err: usecase.ErrRateLimited, Status: http.StatusTooManyRequests, Code: "RATE_LIMIT_EXCEEDED", Message: "too many requests"},
	{Err: usecase.ErrEncryptionFailed, Status: http.StatusInternalServerError, Code: CodeEncryptionError, Message: "response could not be encrypted"},
}

// adminErrorCases extends the taxonomy with operator-only failures.
var adminErrorCases = append([]ErrorCase{
	{Err: usecase.ErrDeviceNotFound, Status: http.StatusNotFound, Code: "DEVICE_NOT_FOUND", Message: "device binding not found"},
	{Err: usecase.ErrInvalidStatusTransition, Status: http.StatusConflict, Code: "INVALID_STATUS_TRANSITION", Message: "status transition not allowed"},
	{Err: usecase.ErrStatusConflict, Status: http.StatusConflict, Code: "STATUS_CONFLICT", Message: "license status changed concurrently, retry"},
}, licenseErrorCases...)

// RespondWithMappedError resolves the provided error against known cases or falls back to a generic response.
func RespondWithMappedError(c *gin.Context, err error, cases []ErrorCase, fallbackStatus int, fallbackCode, fallbackMessage string) string {
	if err == nil {
		c.Status(http.StatusOK)
		return ""
	}

	for _, cs := range cases {
		if cs.Err == nil {
			continue
		}
		if errors.Is(err, cs.Err) {
			body := NewErrorResponse(c, cs.Code, cs.Message)
			var rateLimited *usecase.RateLimitError
			if errors.As(err, &rateLimited) {
				retryAfter := rateLimited.RetryAfter
				body.RetryAfter = &retryAfter
				c.Header("Retry-After", strconv.Itoa(retryAfter))
			}
			c.JSON(cs.Status, body)
			return cs.Code
		}
	}

	_ = c.Error(err)
	c.JSON(fallbackStatus, NewErrorResponse(c, fallbackCode, fallbackMessage))
	return fallbackCode
}
