package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/extension-license-service/internal/core/port"
	"github.com/arklim/extension-license-service/internal/infra/security"
	"github.com/arklim/extension-license-service/internal/usecase"
)

const outcomeSuccess = "success"

// ChallengeIssuer issues handshake challenges.
type ChallengeIssuer interface {
	Issue(ctx context.Context, in usecase.IssueChallengeInput) (*usecase.IssuedChallenge, error)
}

// LicenseValidator completes handshakes.
type LicenseValidator interface {
	Validate(ctx context.Context, in usecase.ValidateInput) (*usecase.ValidationResult, error)
}

// SessionKeeper extends and ends sessions.
type SessionKeeper interface {
	Heartbeat(ctx context.Context, in usecase.HeartbeatInput) (*usecase.HeartbeatResult, error)
	Logout(ctx context.Context, token string, client security.RequestMetadata) error
}

// LicenseHandler exposes the extension-facing protocol endpoints.
type LicenseHandler struct {
	challenges ChallengeIssuer
	validator  LicenseValidator
	sessions   SessionKeeper
	metrics    port.HandshakeMetrics
}

// NewLicenseHandler constructs a LicenseHandler. metrics may be nil.
func NewLicenseHandler(challenges ChallengeIssuer, validator LicenseValidator, sessions SessionKeeper, metrics port.HandshakeMetrics) *LicenseHandler {
	return &LicenseHandler{
		challenges: challenges,
		validator:  validator,
		sessions:   sessions,
		metrics:    metrics,
	}
}

// RegisterRoutes binds the protocol routes. Per-endpoint middleware such as IP
// rate limits is looked up by route name.
func (h *LicenseHandler) RegisterRoutes(r *gin.RouterGroup, limits map[string]gin.HandlerFunc) {
	route := func(name string, handler gin.HandlerFunc) {
		chain := make([]gin.HandlerFunc, 0, 2)
		if limit, ok := limits[name]; ok && limit != nil {
			chain = append(chain, limit)
		}
		r.POST("/"+name, append(chain, handler)...)
	}

	route("challenge", h.challenge)
	route("validate", h.validate)
	route("heartbeat", h.heartbeat)
	r.POST("/logout", h.logout)
}

// challenge issues a one-time challenge with a fresh server ECDH key.
func (h *LicenseHandler) challenge(c *gin.Context) {
	if h.challenges == nil {
		h.unavailable(c, "challenge")
		return
	}

	var req ChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.invalidBody(c, "challenge")
		return
	}

	issued, err := h.challenges.Issue(c.Request.Context(), usecase.IssueChallengeInput{
		DeviceFingerprint: req.DeviceFingerprint,
		ExtensionID:       req.ExtensionID,
		ClientPublicKey:   req.ClientPublicKey,
		Client:            requestMetadata(c),
	})
	if err != nil {
		h.fail(c, "challenge", err)
		return
	}

	h.observe("challenge", outcomeSuccess)
	c.JSON(http.StatusOK, ChallengeResponse{
		Success:           true,
		Nonce:             issued.Nonce,
		ChallengeToken:    issued.Token,
		ExpiresAt:         issued.ExpiresAt.UnixMilli(),
		ServerTime:        issued.ServerTime.UnixMilli(),
		ServerPublicKey:   issued.ServerPublicKey,
		EncryptionVersion: issued.EncryptionVersion,
	})
}

// validate completes the handshake. v2 responses are encrypted under the
// ECDH key, legacy responses are the signed document itself.
func (h *LicenseHandler) validate(c *gin.Context) {
	if h.validator == nil {
		h.unavailable(c, "validate")
		return
	}

	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.invalidBody(c, "validate")
		return
	}

	result, err := h.validator.Validate(c.Request.Context(), usecase.ValidateInput{
		Request: req.toValidation(),
		Client:  requestMetadata(c),
	})
	if err != nil {
		h.fail(c, "validate", err)
		return
	}

	h.observe("validate", outcomeSuccess)
	writeSigned(c, result.Document, result.Encrypted, result.EncryptionVersion)
}

// heartbeat extends a session after checking device and extension integrity.
func (h *LicenseHandler) heartbeat(c *gin.Context) {
	if h.sessions == nil {
		h.unavailable(c, "heartbeat")
		return
	}

	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.invalidBody(c, "heartbeat")
		return
	}

	result, err := h.sessions.Heartbeat(c.Request.Context(), usecase.HeartbeatInput{
		SessionToken:      req.SessionToken,
		DeviceFingerprint: req.DeviceFingerprint,
		IntegrityHash:     req.IntegrityHash,
		Encrypted:         req.EncryptedPayload.envelope(),
		EncryptResponse:   req.EncryptResponse,
		Client:            requestMetadata(c),
	})
	if err != nil {
		h.fail(c, "heartbeat", err)
		return
	}

	h.observe("heartbeat", outcomeSuccess)
	writeSigned(c, result.Document, result.Encrypted, usecase.EncryptionVersionE2E)
}

// logout deletes the session; unknown tokens succeed.
func (h *LicenseHandler) logout(c *gin.Context) {
	if h.sessions == nil {
		h.unavailable(c, "logout")
		return
	}

	var req LogoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.invalidBody(c, "logout")
		return
	}

	if err := h.sessions.Logout(c.Request.Context(), req.SessionToken, requestMetadata(c)); err != nil {
		h.fail(c, "logout", err)
		return
	}

	h.observe("logout", outcomeSuccess)
	c.Status(http.StatusNoContent)
}

func (r ValidateRequest) toValidation() usecase.ValidationRequest {
	if r.EncryptedPayload != nil {
		return usecase.EncryptedValidation{
			Nonce:           r.Nonce,
			ChallengeToken:  r.ChallengeToken,
			ClientPublicKey: r.ClientPublicKey,
			Payload:         *r.EncryptedPayload.envelope(),
		}
	}
	return usecase.LegacyValidation{
		Nonce:             r.Nonce,
		ChallengeToken:    r.ChallengeToken,
		LicenseKey:        r.LicenseKey,
		DeviceFingerprint: r.DeviceFingerprint,
		IntegrityHash:     r.IntegrityHash,
	}
}

func writeSigned(c *gin.Context, document []byte, encrypted *security.Envelope, version int) {
	if encrypted != nil {
		c.JSON(http.StatusOK, EncryptedResponse{
			Encrypted:         true,
			IV:                encrypted.IV,
			Ciphertext:        encrypted.Ciphertext,
			EncryptionVersion: version,
		})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", document)
}

func requestMetadata(c *gin.Context) security.RequestMetadata {
	return security.RequestMetadata{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Headers:   c.Request.Header.Clone(),
	}
}

func (h *LicenseHandler) fail(c *gin.Context, endpoint string, err error) {
	code := RespondWithMappedError(c, err, licenseErrorCases, http.StatusInternalServerError, CodeServerError, "internal server error")
	h.observe(endpoint, code)
}

func (h *LicenseHandler) invalidBody(c *gin.Context, endpoint string) {
	c.JSON(http.StatusBadRequest, NewErrorResponse(c, CodeInvalidRequest, "request body must be a JSON object"))
	h.observe(endpoint, CodeInvalidRequest)
}

func (h *LicenseHandler) unavailable(c *gin.Context, endpoint string) {
	c.JSON(http.StatusServiceUnavailable, NewErrorResponse(c, CodeServerError, endpoint+" unavailable"))
	h.observe(endpoint, CodeServerError)
}

func (h *LicenseHandler) observe(endpoint, outcome string) {
	if h.metrics != nil {
		h.metrics.ObserveOutcome(endpoint, outcome)
	}
}
