package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/core/port"
	"github.com/arklim/extension-license-service/internal/infra/logger"
	"github.com/arklim/extension-license-service/internal/infra/security"
	"github.com/arklim/extension-license-service/internal/repository"
)

const integrityLogPrefix = 16

// HeartbeatInput carries a heartbeat. When Encrypted is set, the fingerprint
// and integrity hash are read from the decrypted payload instead.
type HeartbeatInput struct {
	SessionToken      string
	DeviceFingerprint string
	IntegrityHash     string
	Encrypted         *security.Envelope
	EncryptResponse   bool
	Client            security.RequestMetadata
}

// HeartbeatResult is a signed response, encrypted under the session key when requested.
type HeartbeatResult struct {
	Document         []byte
	Encrypted        *security.Envelope
	SessionExpiresAt time.Time
}

type heartbeatPayload struct {
	DeviceFingerprint string `json:"device_fingerprint"`
	IntegrityHash     string `json:"integrity_hash,omitempty"`
	Timestamp         int64  `json:"timestamp,omitempty"`
}

type heartbeatResponse struct {
	Valid                 bool   `json:"valid"`
	SessionExpires        int64  `json:"session_expires"`
	ServerTime            int64  `json:"server_time"`
	VerifiedIntegrityHash string `json:"verified_integrity_hash"`
}

// HeartbeatService keeps sessions alive and enforces integrity.
type HeartbeatService struct {
	sessions port.SessionRepository
	licenses port.LicenseRepository
	detector security.ProxyDetector
	secrets  security.SecurityConfig
	audit    *SecurityAuditor
	metrics  port.HandshakeMetrics
	ttl      time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewHeartbeatService constructs a HeartbeatService.
func NewHeartbeatService(sessions port.SessionRepository, licenses port.LicenseRepository, detector security.ProxyDetector, secrets security.SecurityConfig, audit *SecurityAuditor, log *zap.Logger) *HeartbeatService {
	if log == nil {
		log = zap.NewNop()
	}
	return &HeartbeatService{
		sessions: sessions,
		licenses: licenses,
		detector: detector,
		secrets:  secrets,
		audit:    audit,
		metrics:  noopMetrics{},
		ttl:      defaultSessionTTL,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *HeartbeatService) WithClock(clock func() time.Time) *HeartbeatService {
	if clock != nil {
		s.now = clock
	}
	return s
}

// WithSessionTTL overrides how far each heartbeat extends the session.
func (s *HeartbeatService) WithSessionTTL(ttl time.Duration) *HeartbeatService {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// WithMetrics injects the handshake metrics recorder.
func (s *HeartbeatService) WithMetrics(metrics port.HandshakeMetrics) *HeartbeatService {
	s.metrics = metricsOrNoop(metrics)
	return s
}

// Heartbeat verifies the session and extends it.
func (s *HeartbeatService) Heartbeat(ctx context.Context, in HeartbeatInput) (*HeartbeatResult, error) {
	ctx, span := tracer.Start(ctx, "HeartbeatService.Heartbeat")
	defer span.End()

	version := EncryptionVersionLegacy
	if in.Encrypted != nil {
		version = EncryptionVersionE2E
	}
	log := logger.WithContext(ctx, s.logger)

	if verdict := s.detector.Inspect(in.Client); verdict.ShouldBlock {
		event := newEvent(domain.ActionProxyDetected, in.Client, version)
		event.Metadata["indicators"] = verdict.Indicators
		event.Metadata["endpoint"] = "heartbeat"
		s.audit.Record(ctx, event)
		log.Warn("heartbeat blocked by proxy detector", zap.Strings("indicators", verdict.Indicators))
		return nil, ErrSecurityViolation
	}

	token := strings.TrimSpace(in.SessionToken)
	if token == "" {
		return nil, ErrMissingParams
	}
	if in.Encrypted == nil && strings.TrimSpace(in.DeviceFingerprint) == "" {
		return nil, ErrMissingParams
	}

	session, err := s.sessions.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	now := s.now()
	if session.IsExpired(now) {
		s.invalidate(ctx, session, domain.HandshakeSessionExpired)
		event := withDevice(withLicense(newEvent(domain.ActionSessionExpired, in.Client, version), session.LicenseID), session.DeviceFingerprint)
		s.audit.Record(ctx, event)
		return nil, ErrSessionExpired
	}

	var sessionKey []byte
	fingerprint := strings.TrimSpace(in.DeviceFingerprint)
	integrity := strings.TrimSpace(in.IntegrityHash)
	if in.Encrypted != nil || in.EncryptResponse {
		sessionKey = s.secrets.SessionKey(session.Token)
	}
	if in.Encrypted != nil {
		payload, err := s.decrypt(*in.Encrypted, sessionKey)
		if err != nil {
			event := withDevice(withLicense(newEvent(domain.ActionDecryptionFailed, in.Client, version), session.LicenseID), session.DeviceFingerprint)
			event.Metadata["endpoint"] = "heartbeat"
			s.audit.Record(ctx, event)
			return nil, ErrDecryptionFailed
		}
		fingerprint = strings.TrimSpace(payload.DeviceFingerprint)
		integrity = strings.TrimSpace(payload.IntegrityHash)
		if fingerprint == "" {
			return nil, ErrMissingParams
		}
	}

	if fingerprint != session.DeviceFingerprint {
		s.invalidate(ctx, session, domain.HandshakeSessionInvalidated)
		event := withDevice(withLicense(newEvent(domain.ActionFingerprintMismatch, in.Client, version), session.LicenseID), session.DeviceFingerprint)
		event.Metadata["presented_fingerprint"] = logger.MaskString(fingerprint)
		s.audit.Record(ctx, event)
		return nil, ErrFingerprintMismatch
	}

	license, err := s.licenses.GetByID(ctx, session.LicenseID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		license = nil
	case err != nil:
		return nil, fmt.Errorf("load license: %w", err)
	}
	if license == nil || !license.IsActive() {
		s.invalidate(ctx, session, domain.HandshakeSessionInvalidated)
		event := withDevice(withLicense(newEvent(domain.ActionLicenseInactive, in.Client, version), session.LicenseID), session.DeviceFingerprint)
		if license != nil {
			event.Metadata["status"] = string(license.Status)
		}
		s.audit.Record(ctx, event)
		return nil, ErrLicenseInactive
	}

	if !session.IntegrityMatches(integrity) {
		s.invalidate(ctx, session, domain.HandshakeSessionInvalidated)
		event := withDevice(withLicense(newEvent(domain.ActionIntegrityViolation, in.Client, version), session.LicenseID), session.DeviceFingerprint)
		event.Metadata["expected_hash"] = security.Truncate(session.IntegrityHash, integrityLogPrefix)
		event.Metadata["received_hash"] = security.Truncate(integrity, integrityLogPrefix)
		s.audit.Record(ctx, event)
		log.Warn("integrity violation, session invalidated",
			zap.String("license_id", session.LicenseID),
			zap.String("expected_hash", security.Truncate(session.IntegrityHash, integrityLogPrefix)),
			zap.String("received_hash", security.Truncate(integrity, integrityLogPrefix)),
		)
		return nil, ErrIntegrityViolation
	}

	expiresAt := now.Add(s.ttl)
	if err := s.sessions.Extend(ctx, session.Token, now, expiresAt, stringPtr(strings.TrimSpace(in.Client.IP))); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.invalidate(ctx, session, domain.HandshakeSessionExpired)
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("extend session: %w", err)
	}
	s.metrics.ObserveTransition(domain.HandshakeSessionActive, domain.HandshakeSessionActive)

	document, err := security.SignJSON(heartbeatResponse{
		Valid:                 true,
		SessionExpires:        expiresAt.UnixMilli(),
		ServerTime:            now.UnixMilli(),
		VerifiedIntegrityHash: domain.IntegrityOrSentinel(session.IntegrityHash),
	}, s.secrets.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("sign response: %w", err)
	}

	result := &HeartbeatResult{SessionExpiresAt: expiresAt}
	if sessionKey == nil {
		result.Document = document
		return result, nil
	}
	envelope, err := security.Encrypt(document, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	result.Encrypted = &envelope
	return result, nil
}

// Logout deletes the session. Unknown tokens are ignored.
func (s *HeartbeatService) Logout(ctx context.Context, token string, client security.RequestMetadata) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrMissingParams
	}

	session, err := s.sessions.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load session: %w", err)
	}

	if err := s.sessions.Delete(ctx, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.metrics.ObserveTransition(domain.HandshakeSessionActive, domain.HandshakeSessionInvalidated)
	event := withDevice(withLicense(newEvent(domain.ActionSessionLoggedOut, client, 0), session.LicenseID), session.DeviceFingerprint)
	s.audit.Record(ctx, event)
	return nil
}

func (s *HeartbeatService) decrypt(envelope security.Envelope, key []byte) (heartbeatPayload, error) {
	plaintext, err := security.Decrypt(envelope, key)
	if err != nil {
		return heartbeatPayload{}, err
	}
	var payload heartbeatPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return heartbeatPayload{}, fmt.Errorf("%w: %v", security.ErrDecryptionFailed, err)
	}
	return payload, nil
}

func (s *HeartbeatService) invalidate(ctx context.Context, session *domain.Session, state domain.HandshakeState) {
	if err := s.sessions.Delete(ctx, session.Token); err != nil {
		logger.WithContext(ctx, s.logger).Warn("failed to delete session",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
	}
	s.metrics.ObserveTransition(domain.HandshakeSessionActive, state)
}
