package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/core/port"
	"github.com/arklim/extension-license-service/internal/infra/logger"
	"github.com/arklim/extension-license-service/internal/infra/security"
	"github.com/arklim/extension-license-service/internal/repository"
)

const (
	// EncryptionVersionLegacy is the deprecated plaintext protocol.
	EncryptionVersionLegacy = 1
	// EncryptionVersionE2E is the ECDH + AES-256-GCM protocol.
	EncryptionVersionE2E = 2

	defaultChallengeTTL = 5 * time.Minute
	maxChallengeRetries = 3
)

var tracer = otel.Tracer("github.com/arklim/extension-license-service/internal/usecase")

// SweepTrigger asks the cleanup job to run soon without waiting for it.
type SweepTrigger interface {
	Nudge()
}

// IssueChallengeInput carries the challenge request.
type IssueChallengeInput struct {
	DeviceFingerprint string
	ExtensionID       string
	ClientPublicKey   string
	Client            security.RequestMetadata
}

// IssuedChallenge is returned to the extension.
type IssuedChallenge struct {
	Nonce             string
	Token             string
	ServerPublicKey   string
	ExpiresAt         time.Time
	ServerTime        time.Time
	EncryptionVersion int
}

// ChallengeService issues single-use handshake challenges.
type ChallengeService struct {
	challenges port.ChallengeRepository
	detector   security.ProxyDetector
	audit      *SecurityAuditor
	metrics    port.HandshakeMetrics
	sweeper    SweepTrigger
	ttl        time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewChallengeService constructs a ChallengeService.
func NewChallengeService(challenges port.ChallengeRepository, detector security.ProxyDetector, audit *SecurityAuditor, log *zap.Logger) *ChallengeService {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChallengeService{
		challenges: challenges,
		detector:   detector,
		audit:      audit,
		metrics:    noopMetrics{},
		ttl:        defaultChallengeTTL,
		logger:     log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *ChallengeService) WithClock(clock func() time.Time) *ChallengeService {
	if clock != nil {
		s.now = clock
	}
	return s
}

// WithTTL overrides the challenge lifetime.
func (s *ChallengeService) WithTTL(ttl time.Duration) *ChallengeService {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// WithMetrics injects the handshake metrics recorder.
func (s *ChallengeService) WithMetrics(metrics port.HandshakeMetrics) *ChallengeService {
	s.metrics = metricsOrNoop(metrics)
	return s
}

// WithSweeper registers the cleanup job nudged after each issuance.
func (s *ChallengeService) WithSweeper(sweeper SweepTrigger) *ChallengeService {
	s.sweeper = sweeper
	return s
}

// Issue creates and persists a new challenge.
func (s *ChallengeService) Issue(ctx context.Context, in IssueChallengeInput) (*IssuedChallenge, error) {
	ctx, span := tracer.Start(ctx, "ChallengeService.Issue")
	defer span.End()

	if s.challenges == nil {
		return nil, fmt.Errorf("challenge repository not configured")
	}
	log := logger.WithContext(ctx, s.logger)

	if verdict := s.detector.Inspect(in.Client); verdict.ShouldBlock {
		event := withDevice(newEvent(domain.ActionProxyDetected, in.Client, EncryptionVersionE2E), in.DeviceFingerprint)
		event.Metadata["indicators"] = verdict.Indicators
		event.Metadata["endpoint"] = "challenge"
		s.audit.Record(ctx, event)
		log.Warn("challenge blocked by proxy detector",
			zap.Strings("indicators", verdict.Indicators),
			zap.String("ip", logger.MaskIP(in.Client.IP)),
		)
		return nil, ErrSecurityViolation
	}

	fingerprint := strings.TrimSpace(in.DeviceFingerprint)
	if fingerprint == "" {
		return nil, ErrMissingFingerprint
	}

	clientKey := strings.TrimSpace(in.ClientPublicKey)
	if clientKey != "" {
		if _, err := security.ParsePublicKey(clientKey); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	now := s.now()
	var challenge domain.Challenge
	for attempt := 0; ; attempt++ {
		candidate, err := s.newChallenge(now, fingerprint, strings.TrimSpace(in.ExtensionID), clientKey)
		if err != nil {
			return nil, err
		}
		err = s.challenges.Create(ctx, candidate)
		if err == nil {
			challenge = candidate
			break
		}
		if !errors.Is(err, repository.ErrConflict) || attempt+1 >= maxChallengeRetries {
			return nil, fmt.Errorf("store challenge: %w", err)
		}
	}

	if s.sweeper != nil {
		s.sweeper.Nudge()
	}

	event := withDevice(newEvent(domain.ActionChallengeIssued, in.Client, EncryptionVersionE2E), fingerprint)
	event.Metadata["pinned_client_key"] = clientKey != ""
	s.audit.Record(ctx, event)
	s.metrics.ObserveTransition("", domain.HandshakeIssued)

	log.Debug("challenge issued",
		zap.String("challenge_id", challenge.ID),
		zap.String("fingerprint", logger.MaskString(fingerprint)),
		zap.Time("expires_at", challenge.ExpiresAt),
	)

	return &IssuedChallenge{
		Nonce:             challenge.Nonce,
		Token:             challenge.Token,
		ServerPublicKey:   challenge.ServerPublicKey,
		ExpiresAt:         challenge.ExpiresAt,
		ServerTime:        now,
		EncryptionVersion: EncryptionVersionE2E,
	}, nil
}

func (s *ChallengeService) newChallenge(now time.Time, fingerprint, extensionID, clientKey string) (domain.Challenge, error) {
	nonce, err := security.GenerateNonce()
	if err != nil {
		return domain.Challenge{}, err
	}
	token, err := security.GenerateChallengeToken(now)
	if err != nil {
		return domain.Challenge{}, err
	}
	keys, err := security.GenerateECDHKeyPair()
	if err != nil {
		return domain.Challenge{}, err
	}

	return domain.Challenge{
		ID:                uuid.NewString(),
		Nonce:             nonce,
		Token:             token,
		DeviceFingerprint: fingerprint,
		ExtensionID:       stringPtr(extensionID),
		ServerPrivateKey:  keys.PrivateKeyJWK,
		ServerPublicKey:   keys.PublicKey,
		ClientPublicKey:   stringPtr(clientKey),
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.ttl),
	}, nil
}
