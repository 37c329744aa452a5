package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/infra/security"
	"github.com/arklim/extension-license-service/internal/transport/http/middleware"
)

// ErrorResponse is the error body shared by every endpoint.
type ErrorResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter *int   `json:"retry_after,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
}

// NewErrorResponse creates an error response with trace ID from context
func NewErrorResponse(c *gin.Context, code, message string) ErrorResponse {
	middleware.SetErrorCode(c, code)
	return ErrorResponse{
		Error:   code,
		Message: message,
		TraceID: middleware.GetTraceID(c),
	}
}

// HealthResponse is returned by the liveness endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// ReadinessResponse lists the outcome of each dependency check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// EncryptedPayload is an AES-GCM envelope as produced by WebCrypto.
type EncryptedPayload struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

func (p *EncryptedPayload) envelope() *security.Envelope {
	if p == nil {
		return nil
	}
	return &security.Envelope{IV: p.IV, Ciphertext: p.Ciphertext}
}

// ChallengeRequest starts a handshake.
type ChallengeRequest struct {
	DeviceFingerprint string `json:"device_fingerprint"`
	ExtensionID       string `json:"extension_id"`
	ClientPublicKey   string `json:"client_public_key"`
}

// ChallengeResponse carries the one-time challenge. Times are unix milliseconds.
type ChallengeResponse struct {
	Success           bool   `json:"success"`
	Nonce             string `json:"nonce"`
	ChallengeToken    string `json:"challenge_token"`
	ExpiresAt         int64  `json:"expires_at"`
	ServerTime        int64  `json:"server_time"`
	ServerPublicKey   string `json:"server_public_key"`
	EncryptionVersion int    `json:"encryption_version"`
}

// ValidateRequest is the wire form of both protocol versions. A request
// carrying encrypted_payload is v2, anything else is legacy.
type ValidateRequest struct {
	Nonce             string            `json:"nonce"`
	ChallengeToken    string            `json:"challenge_token"`
	ClientPublicKey   string            `json:"client_public_key"`
	EncryptedPayload  *EncryptedPayload `json:"encrypted_payload"`
	LicenseKey        string            `json:"license_key"`
	DeviceFingerprint string            `json:"device_fingerprint"`
	IntegrityHash     string            `json:"integrity_hash"`
}

// HeartbeatRequest extends a session.
type HeartbeatRequest struct {
	SessionToken      string            `json:"session_token"`
	DeviceFingerprint string            `json:"device_fingerprint"`
	IntegrityHash     string            `json:"integrity_hash"`
	EncryptedPayload  *EncryptedPayload `json:"encrypted_payload"`
	EncryptResponse   bool              `json:"encrypt_response"`
}

// LogoutRequest ends a session.
type LogoutRequest struct {
	SessionToken string `json:"session_token"`
}

// EncryptedResponse wraps a signed document encrypted for the client.
type EncryptedResponse struct {
	Encrypted         bool   `json:"encrypted"`
	IV                string `json:"iv"`
	Ciphertext        string `json:"ciphertext"`
	EncryptionVersion int    `json:"encryption_version"`
}

// LicenseSummary is the admin view of a license.
type LicenseSummary struct {
	ID              string     `json:"id"`
	Key             string     `json:"license_key"`
	Status          string     `json:"status"`
	MaxDevices      int        `json:"max_devices"`
	CustomerName    string     `json:"customer_name,omitempty"`
	ActivatedAt     *time.Time `json:"activated_at,omitempty"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
}

func newLicenseSummary(license domain.License) LicenseSummary {
	return LicenseSummary{
		ID:              license.ID,
		Key:             license.Key,
		Status:          string(license.Status),
		MaxDevices:      license.DeviceLimit(),
		CustomerName:    license.CustomerName,
		ActivatedAt:     license.ActivatedAt,
		LastValidatedAt: license.LastValidatedAt,
	}
}

// DevicePayload is the admin view of a device binding.
type DevicePayload struct {
	Fingerprint string    `json:"device_fingerprint"`
	IsActive    bool      `json:"is_active"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	IPAddress   *string   `json:"ip_address,omitempty"`
}

func newDevicePayload(device domain.DeviceBinding) DevicePayload {
	return DevicePayload{
		Fingerprint: device.Fingerprint,
		IsActive:    device.IsActive,
		FirstSeenAt: device.FirstSeenAt,
		LastSeenAt:  device.LastSeenAt,
		IPAddress:   device.IPAddress,
	}
}

// DeviceListResponse lists the bindings of a license.
type DeviceListResponse struct {
	Success     bool            `json:"success"`
	License     LicenseSummary  `json:"license"`
	Devices     []DevicePayload `json:"devices"`
	ActiveCount int             `json:"active_count"`
}

// DeviceResetResponse reports what a reset removed.
type DeviceResetResponse struct {
	Success         bool  `json:"success"`
	DevicesRemoved  int64 `json:"devices_removed"`
	SessionsRemoved int64 `json:"sessions_removed"`
}

// StatusChangeRequest asks for a license status transition.
type StatusChangeRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// StatusChangeResponse returns the license after the transition.
type StatusChangeResponse struct {
	Success bool           `json:"success"`
	License LicenseSummary `json:"license"`
}
