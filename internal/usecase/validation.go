package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/core/port"
	"github.com/arklim/extension-license-service/internal/infra/logger"
	"github.com/arklim/extension-license-service/internal/infra/security"
	"github.com/arklim/extension-license-service/internal/repository"
)

const (
	defaultSessionTTL       = 24 * time.Hour
	defaultLicenseRateLimit = 60
	defaultLicenseWindow    = time.Minute
)

// ValidationRequest is either an EncryptedValidation or a LegacyValidation.
type ValidationRequest interface {
	challengeRef() (nonce, token string)
	encryptionVersion() int
}

// EncryptedValidation is the end-to-end encrypted validation request.
type EncryptedValidation struct {
	Nonce           string
	ChallengeToken  string
	ClientPublicKey string
	Payload         security.Envelope
}

func (r EncryptedValidation) challengeRef() (string, string) { return r.Nonce, r.ChallengeToken }
func (r EncryptedValidation) encryptionVersion() int { return EncryptionVersionE2E }

// LegacyValidation is the deprecated plaintext validation request.
type LegacyValidation struct {
	Nonce             string
	ChallengeToken    string
	LicenseKey        string
	DeviceFingerprint string
	IntegrityHash     string
}

func (r LegacyValidation) challengeRef() (string, string) { return r.Nonce, r.ChallengeToken }
func (r LegacyValidation) encryptionVersion() int { return EncryptionVersionLegacy }

// ValidateInput wraps a validation request with its client metadata.
type ValidateInput struct {
	Request ValidationRequest
	Client  security.RequestMetadata
}

// ValidationResult is a signed response. Encrypted is set for E2E requests,
// Document otherwise.
type ValidationResult struct {
	EncryptionVersion int
	Document          []byte
	Encrypted         *security.Envelope
	SessionExpiresAt  time.Time
}

type validationPayload struct {
	LicenseKey        string `json:"license_key"`
	DeviceFingerprint string `json:"device_fingerprint"`
	IntegrityHash     string `json:"integrity_hash,omitempty"`
	Timestamp         int64  `json:"timestamp,omitempty"`
}

type validationResponse struct {
	Valid              bool   `json:"valid"`
	SessionToken       string `json:"session_token"`
	SessionExpires     int64  `json:"session_expires"`
	ServerTime         int64  `json:"server_time"`
	LicenseStatus      string `json:"license_status"`
	CustomerName       string `json:"customer_name,omitempty"`
	SubscriptionStatus string `json:"subscription_status,omitempty"`
	SubscriptionEnd    *int64 `json:"subscription_end,omitempty"`
	PlanType           string `json:"plan_type,omitempty"`
	EncryptionVersion  int    `json:"encryption_version"`
}

// credentials are the validated request fields after decryption.
type credentials struct {
	licenseKey    string
	fingerprint   string
	integrityHash string
	sharedKey     []byte
	version       int
}

// ValidationSettings tunes the validation pipeline.
type ValidationSettings struct {
	SessionTTL    time.Duration
	RateLimit     int
	RateWindow    time.Duration
	LegacyEnabled bool
}

// ValidationService validates license activations and issues sessions.
type ValidationService struct {
	challenges port.ChallengeRepository
	licenses   port.LicenseRepository
	devices    port.DeviceRepository
	sessions   port.SessionRepository
	limiter    port.FixedWindowLimiter
	detector   security.ProxyDetector
	secrets    security.SecurityConfig
	audit      *SecurityAuditor
	metrics    port.HandshakeMetrics
	settings   ValidationSettings
	logger     *zap.Logger
	now        func() time.Time
}

// ValidationDeps groups the collaborators of ValidationService.
type ValidationDeps struct {
	Challenges port.ChallengeRepository
	Licenses   port.LicenseRepository
	Devices    port.DeviceRepository
	Sessions   port.SessionRepository
	Limiter    port.FixedWindowLimiter
	Detector   security.ProxyDetector
	Secrets    security.SecurityConfig
	Audit      *SecurityAuditor
	Metrics    port.HandshakeMetrics
}

// NewValidationService constructs a ValidationService.
func NewValidationService(deps ValidationDeps, settings ValidationSettings, log *zap.Logger) *ValidationService {
	if log == nil {
		log = zap.NewNop()
	}
	if settings.SessionTTL <= 0 {
		settings.SessionTTL = defaultSessionTTL
	}
	if settings.RateLimit <= 0 {
		settings.RateLimit = defaultLicenseRateLimit
	}
	if settings.RateWindow <= 0 {
		settings.RateWindow = defaultLicenseWindow
	}
	return &ValidationService{
		challenges: deps.Challenges,
		licenses:   deps.Licenses,
		devices:    deps.Devices,
		sessions:   deps.Sessions,
		limiter:    deps.Limiter,
		detector:   deps.Detector,
		secrets:    deps.Secrets,
		audit:      deps.Audit,
		metrics:    metricsOrNoop(deps.Metrics),
		settings:   settings,
		logger:     log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *ValidationService) WithClock(clock func() time.Time) *ValidationService {
	if clock != nil {
		s.now = clock
	}
	return s
}

// Validate runs the validation pipeline shared by both protocol versions.
func (s *ValidationService) Validate(ctx context.Context, in ValidateInput) (*ValidationResult, error) {
	ctx, span := tracer.Start(ctx, "ValidationService.Validate")
	defer span.End()

	if in.Request == nil {
		return nil, ErrInvalidRequest
	}
	version := in.Request.encryptionVersion()
	log := logger.WithContext(ctx, s.logger).With(zap.Int("encryption_version", version))

	if version == EncryptionVersionLegacy && !s.settings.LegacyEnabled {
		return nil, ErrLegacyDisabled
	}

	if verdict := s.detector.Inspect(in.Client); verdict.ShouldBlock {
		event := newEvent(domain.ActionProxyDetected, in.Client, version)
		event.Metadata["indicators"] = verdict.Indicators
		event.Metadata["endpoint"] = "validate"
		s.audit.Record(ctx, event)
		log.Warn("validation blocked by proxy detector", zap.Strings("indicators", verdict.Indicators))
		return nil, ErrSecurityViolation
	}

	nonce, token := in.Request.challengeRef()
	nonce, token = strings.TrimSpace(nonce), strings.TrimSpace(token)
	if nonce == "" || token == "" {
		return nil, ErrMissingParams
	}
	if legacy, ok := in.Request.(LegacyValidation); ok {
		if strings.TrimSpace(legacy.LicenseKey) == "" || strings.TrimSpace(legacy.DeviceFingerprint) == "" {
			return nil, ErrMissingParams
		}
		if !domain.ValidLicenseKey(legacy.LicenseKey) {
			return nil, errMalformedLicenseKey
		}
	}
	if encrypted, ok := in.Request.(EncryptedValidation); ok && encrypted.Payload.Empty() {
		return nil, ErrMissingParams
	}

	challenge, err := s.consumeChallenge(ctx, nonce, token, in.Client, version)
	if err != nil {
		return nil, err
	}

	creds, err := s.resolveCredentials(ctx, challenge, in)
	if err != nil {
		return nil, err
	}

	if creds.fingerprint != challenge.DeviceFingerprint {
		event := withDevice(newEvent(domain.ActionFingerprintMismatch, in.Client, version), challenge.DeviceFingerprint)
		event.Metadata["presented_fingerprint"] = logger.MaskString(creds.fingerprint)
		s.audit.Record(ctx, event)
		return nil, ErrFingerprintMismatch
	}

	license, subscription, err := s.loadLicense(ctx, creds, in.Client)
	if err != nil {
		return nil, err
	}

	if err := s.enforceRateLimit(ctx, license, creds, in.Client); err != nil {
		return nil, err
	}

	if err := s.bindDevice(ctx, license, creds, in.Client); err != nil {
		return nil, err
	}

	session, err := s.issueSession(ctx, license, creds, in.Client)
	if err != nil {
		return nil, err
	}

	result, err := s.buildResponse(license, subscription, session, creds)
	if err != nil {
		return nil, err
	}

	event := withDevice(withLicense(newEvent(domain.ActionValidationSuccess, in.Client, version), license.ID), creds.fingerprint)
	event.Metadata["session_id"] = session.ID
	s.audit.Record(ctx, event)

	log.Info("license validated",
		zap.String("license_id", license.ID),
		zap.String("fingerprint", logger.MaskString(creds.fingerprint)),
		zap.Time("session_expires_at", session.ExpiresAt),
	)
	return result, nil
}

func (s *ValidationService) consumeChallenge(ctx context.Context, nonce, token string, client security.RequestMetadata, version int) (*domain.Challenge, error) {
	if s.challenges == nil {
		return nil, fmt.Errorf("challenge repository not configured")
	}

	now := s.now()
	challenge, err := s.challenges.Consume(ctx, nonce, token, now)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			event := newEvent(domain.ActionValidationFailed, client, version)
			event.Metadata["reason"] = "invalid_challenge"
			s.audit.Record(ctx, event)
			return nil, ErrInvalidChallenge
		}
		return nil, fmt.Errorf("consume challenge: %w", err)
	}

	if challenge.IsExpired(now) {
		if err := s.challenges.Delete(ctx, challenge.ID); err != nil {
			logger.WithContext(ctx, s.logger).Warn("failed to delete expired challenge", zap.Error(err))
		}
		event := withDevice(newEvent(domain.ActionValidationFailed, client, version), challenge.DeviceFingerprint)
		event.Metadata["reason"] = "challenge_expired"
		s.audit.Record(ctx, event)
		return nil, ErrChallengeExpired
	}

	s.metrics.ObserveTransition(domain.HandshakeIssued, domain.HandshakeConsumed)
	return challenge, nil
}

func (s *ValidationService) resolveCredentials(ctx context.Context, challenge *domain.Challenge, in ValidateInput) (credentials, error) {
	switch req := in.Request.(type) {
	case LegacyValidation:
		if !domain.ValidLicenseKey(req.LicenseKey) {
			return credentials{}, errMalformedLicenseKey
		}
		return credentials{
			licenseKey:    domain.NormalizeLicenseKey(req.LicenseKey),
			fingerprint:   strings.TrimSpace(req.DeviceFingerprint),
			integrityHash: strings.TrimSpace(req.IntegrityHash),
			version:       EncryptionVersionLegacy,
		}, nil
	case EncryptedValidation:
		return s.decryptCredentials(ctx, challenge, req, in.Client)
	default:
		return credentials{}, ErrInvalidRequest
	}
}

func (s *ValidationService) decryptCredentials(ctx context.Context, challenge *domain.Challenge, req EncryptedValidation, client security.RequestMetadata) (credentials, error) {
	if !challenge.HasPinnedClientKey() {
		return credentials{}, ErrMissingClientKey
	}

	supplied := strings.TrimSpace(req.ClientPublicKey)
	if supplied != "" && supplied != *challenge.ClientPublicKey {
		event := withDevice(newEvent(domain.ActionClientKeyMismatch, client, EncryptionVersionE2E), challenge.DeviceFingerprint)
		s.audit.Record(ctx, event)
		logger.WithContext(ctx, s.logger).Warn("ignoring client public key differing from the pinned key",
			zap.String("challenge_id", challenge.ID),
		)
	}

	decryptFailure := func(cause error) (credentials, error) {
		event := withDevice(newEvent(domain.ActionDecryptionFailed, client, EncryptionVersionE2E), challenge.DeviceFingerprint)
		event.Metadata["reason"] = cause.Error()
		s.audit.Record(ctx, event)
		return credentials{}, ErrDecryptionFailed
	}

	serverKey, err := security.ImportPrivateKeyJWK(challenge.ServerPrivateKey)
	if err != nil {
		return credentials{}, fmt.Errorf("restore server key: %w", err)
	}
	clientKey, err := security.ParsePublicKey(*challenge.ClientPublicKey)
	if err != nil {
		return decryptFailure(err)
	}
	sharedKey, err := security.DeriveSharedKey(serverKey, clientKey)
	if err != nil {
		return decryptFailure(err)
	}

	plaintext, err := security.Decrypt(req.Payload, sharedKey)
	if err != nil {
		return decryptFailure(err)
	}

	var payload validationPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return decryptFailure(err)
	}
	if strings.TrimSpace(payload.LicenseKey) == "" || strings.TrimSpace(payload.DeviceFingerprint) == "" {
		return credentials{}, ErrMissingParams
	}
	if !domain.ValidLicenseKey(payload.LicenseKey) {
		return credentials{}, errMalformedLicenseKey
	}

	return credentials{
		licenseKey:    domain.NormalizeLicenseKey(payload.LicenseKey),
		fingerprint:   strings.TrimSpace(payload.DeviceFingerprint),
		integrityHash: strings.TrimSpace(payload.IntegrityHash),
		sharedKey:     sharedKey,
		version:       EncryptionVersionE2E,
	}, nil
}

func (s *ValidationService) loadLicense(ctx context.Context, creds credentials, client security.RequestMetadata) (*domain.License, *domain.Subscription, error) {
	license, err := s.licenses.GetByKey(ctx, creds.licenseKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			event := withDevice(newEvent(domain.ActionValidationFailed, client, creds.version), creds.fingerprint)
			event.Metadata["reason"] = "invalid_license"
			event.Metadata["license_key_hash"] = security.HashIdentifier(creds.licenseKey)
			s.audit.Record(ctx, event)
			return nil, nil, ErrLicenseNotFound
		}
		return nil, nil, fmt.Errorf("load license: %w", err)
	}

	if !license.IsActive() {
		event := withDevice(withLicense(newEvent(domain.ActionLicenseInactive, client, creds.version), license.ID), creds.fingerprint)
		event.Metadata["status"] = string(license.Status)
		s.audit.Record(ctx, event)
		return nil, nil, ErrLicenseInactive
	}

	if license.SubscriptionID == nil {
		return license, nil, nil
	}

	subscription, err := s.licenses.GetSubscription(ctx, *license.SubscriptionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			logger.WithContext(ctx, s.logger).Warn("license references a missing subscription",
				zap.String("license_id", license.ID),
				zap.String("subscription_id", *license.SubscriptionID),
			)
			return license, nil, nil
		}
		return nil, nil, fmt.Errorf("load subscription: %w", err)
	}

	now := s.now()
	if subscription.Status == domain.SubscriptionStatusExpired || subscription.PeriodEnded(now) {
		if err := s.licenses.ExpireSubscription(ctx, subscription.ID, license.ID, now); err != nil {
			return nil, nil, fmt.Errorf("expire subscription: %w", err)
		}
		event := withDevice(withLicense(newEvent(domain.ActionSubscriptionExpiredRealtime, client, creds.version), license.ID), creds.fingerprint)
		event.Metadata["subscription_id"] = subscription.ID
		if subscription.CurrentPeriodEnd != nil {
			event.Metadata["period_end"] = subscription.CurrentPeriodEnd.Format(time.RFC3339)
		}
		s.audit.Record(ctx, event)
		return nil, nil, ErrSubscriptionExpired
	}

	return license, subscription, nil
}

func (s *ValidationService) enforceRateLimit(ctx context.Context, license *domain.License, creds credentials, client security.RequestMetadata) error {
	if s.limiter == nil {
		return nil
	}

	decision, err := s.limiter.Allow(ctx, license.ID, s.settings.RateLimit, s.settings.RateWindow, s.now())
	if err != nil {
		logger.WithContext(ctx, s.logger).Warn("license rate limiter unavailable, allowing request",
			zap.String("license_id", license.ID),
			zap.Error(err),
		)
		return nil
	}
	if decision.Allowed {
		return nil
	}

	event := withDevice(withLicense(newEvent(domain.ActionRateLimitExceeded, client, creds.version), license.ID), creds.fingerprint)
	event.Metadata["count"] = decision.Count
	event.Metadata["limit"] = decision.Limit
	s.audit.Record(ctx, event)
	return &RateLimitError{RetryAfter: decision.RetryAfterSeconds()}
}

func (s *ValidationService) bindDevice(ctx context.Context, license *domain.License, creds credentials, client security.RequestMetadata) error {
	now := s.now()
	binding := domain.DeviceBinding{
		ID:          uuid.NewString(),
		LicenseID:   license.ID,
		Fingerprint: creds.fingerprint,
		IsActive:    true,
		FirstSeenAt: now,
		LastSeenAt:  now,
		IPAddress:   stringPtr(strings.TrimSpace(client.IP)),
	}
	if ua := strings.TrimSpace(client.UserAgent); ua != "" {
		binding.DeviceInfo = map[string]any{"user_agent": ua}
	}

	outcome, err := s.devices.Bind(ctx, binding, license.DeviceLimit())
	switch {
	case errors.Is(err, repository.ErrConflict):
		outcome = domain.BindOutcomeRefreshed
	case err != nil:
		return fmt.Errorf("bind device: %w", err)
	}

	switch outcome {
	case domain.BindOutcomeCreated:
		event := withDevice(withLicense(newEvent(domain.ActionDeviceActivated, client, creds.version), license.ID), creds.fingerprint)
		s.audit.Record(ctx, event)
		return nil
	case domain.BindOutcomeRefreshed:
		return nil
	case domain.BindOutcomeDeactivated:
		event := withDevice(withLicense(newEvent(domain.ActionValidationFailed, client, creds.version), license.ID), creds.fingerprint)
		event.Metadata["reason"] = "device_deactivated"
		s.audit.Record(ctx, event)
		return ErrDeviceDeactivated
	default:
		event := withDevice(withLicense(newEvent(domain.ActionDeviceLimitReached, client, creds.version), license.ID), creds.fingerprint)
		event.Metadata["max_devices"] = license.DeviceLimit()
		s.audit.Record(ctx, event)
		if license.DeviceLimit() == 1 {
			return ErrLicenseAlreadyActivated
		}
		return ErrMaxDevicesReached
	}
}

func (s *ValidationService) issueSession(ctx context.Context, license *domain.License, creds credentials, client security.RequestMetadata) (*domain.Session, error) {
	token, err := security.GenerateSessionToken()
	if err != nil {
		return nil, err
	}

	now := s.now()
	session := domain.Session{
		ID:                uuid.NewString(),
		Token:             token,
		LicenseID:         license.ID,
		DeviceFingerprint: creds.fingerprint,
		IntegrityHash:     domain.IntegrityOrSentinel(creds.integrityHash),
		IPAddress:         stringPtr(strings.TrimSpace(client.IP)),
		CreatedAt:         now,
		LastHeartbeat:     now,
		ExpiresAt:         now.Add(s.settings.SessionTTL),
	}
	if err := s.sessions.Replace(ctx, session); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	if err := s.licenses.MarkValidated(ctx, license.ID, now); err != nil {
		logger.WithContext(ctx, s.logger).Warn("failed to record license validation time",
			zap.String("license_id", license.ID),
			zap.Error(err),
		)
	}

	event := withDevice(withLicense(newEvent(domain.ActionSessionCreated, client, creds.version), license.ID), creds.fingerprint)
	event.Metadata["session_id"] = session.ID
	event.Metadata["integrity_provided"] = domain.KnownIntegrity(session.IntegrityHash)
	s.audit.Record(ctx, event)
	s.metrics.ObserveTransition(domain.HandshakeConsumed, domain.HandshakeSessionActive)

	return &session, nil
}

func (s *ValidationService) buildResponse(license *domain.License, subscription *domain.Subscription, session *domain.Session, creds credentials) (*ValidationResult, error) {
	response := validationResponse{
		Valid:             true,
		SessionToken:      session.Token,
		SessionExpires:    session.ExpiresAt.UnixMilli(),
		ServerTime:        s.now().UnixMilli(),
		LicenseStatus:     string(license.Status),
		CustomerName:      license.CustomerName,
		EncryptionVersion: creds.version,
	}
	if subscription != nil {
		response.PlanType = subscription.PlanType
		response.SubscriptionStatus = string(subscription.Status)
		if subscription.CurrentPeriodEnd != nil {
			end := subscription.CurrentPeriodEnd.UnixMilli()
			response.SubscriptionEnd = &end
		}
	}

	document, err := security.SignJSON(response, s.secrets.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("sign response: %w", err)
	}

	result := &ValidationResult{
		EncryptionVersion: creds.version,
		SessionExpiresAt:  session.ExpiresAt,
	}
	if creds.version == EncryptionVersionLegacy {
		result.Document = document
		return result, nil
	}

	envelope, err := security.Encrypt(document, creds.sharedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	result.Encrypted = &envelope
	return result, nil
}
