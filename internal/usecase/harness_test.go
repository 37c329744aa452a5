package usecase

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/infra/security"
)

const (
	testLicenseID  = "lic-1"
	testLicenseKey = "LIC-AAAA-BBBB-CCCC"
	testDeviceF1   = "F1"
	testDeviceF2   = "F2"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// handshakeHarness wires the challenge, validation and heartbeat services over in-memory fakes.
type handshakeHarness struct {
	clock      *testClock
	secrets    security.SecurityConfig
	challenges *fakeChallengeRepository
	licenses   *fakeLicenseRepository
	devices    *fakeDeviceRepository
	sessions   *fakeSessionRepository
	logs       *fakeSecurityLog
	events     *fakeEventPublisher
	limiter    *fakeLimiter
	metrics    *recordingMetrics
	sweeper    *countingSweeper

	issuer    *ChallengeService
	validator *ValidationService
	heartbeat *HeartbeatService
}

type harnessOption func(*ValidationSettings)

func withLegacyDisabled() harnessOption {
	return func(s *ValidationSettings) { s.LegacyEnabled = false }
}

func newHandshakeHarness(t *testing.T, licenses []domain.License, opts ...harnessOption) *handshakeHarness {
	t.Helper()

	secrets, err := security.NewSecurityConfig("test-signing-secret-0123456789", "test-e2e-salt-0123456789", 1000)
	if err != nil {
		t.Fatalf("security config: %v", err)
	}

	h := &handshakeHarness{
		clock:      newTestClock(),
		secrets:    secrets,
		challenges: newFakeChallengeRepository(),
		licenses:   newFakeLicenseRepository(licenses...),
		devices:    newFakeDeviceRepository(),
		sessions:   newFakeSessionRepository(),
		logs:       &fakeSecurityLog{},
		events:     &fakeEventPublisher{},
		limiter:    &fakeLimiter{},
		metrics:    &recordingMetrics{},
		sweeper:    &countingSweeper{},
	}

	log := zaptest.NewLogger(t)
	detector := security.NewProxyDetector(true)
	audit := NewSecurityAuditor(h.logs, h.events, log).WithClock(h.clock.Now)

	settings := ValidationSettings{LegacyEnabled: true}
	for _, opt := range opts {
		opt(&settings)
	}

	h.issuer = NewChallengeService(h.challenges, detector, audit, log).
		WithClock(h.clock.Now).
		WithMetrics(h.metrics).
		WithSweeper(h.sweeper)
	h.validator = NewValidationService(ValidationDeps{
		Challenges: h.challenges,
		Licenses:   h.licenses,
		Devices:    h.devices,
		Sessions:   h.sessions,
		Limiter:    h.limiter,
		Detector:   detector,
		Secrets:    secrets,
		Audit:      audit,
		Metrics:    h.metrics,
	}, settings, log).WithClock(h.clock.Now)
	h.heartbeat = NewHeartbeatService(h.sessions, h.licenses, detector, secrets, audit, log).
		WithClock(h.clock.Now).
		WithMetrics(h.metrics)
	return h
}

func activeLicense(maxDevices int) domain.License {
	return domain.License{
		ID:           testLicenseID,
		Key:          testLicenseKey,
		Status:       domain.LicenseStatusActive,
		MaxDevices:   maxDevices,
		CustomerName: "Acme",
	}
}

func browserClient() security.RequestMetadata {
	return security.RequestMetadata{
		IP:        "203.0.113.7",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0",
	}
}

// extensionClient is the client half of the E2E handshake.
type extensionClient struct {
	private   *ecdh.PrivateKey
	publicKey string
}

func newExtensionClient(t *testing.T) *extensionClient {
	t.Helper()
	private, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	return &extensionClient{
		private:   private,
		publicKey: base64.StdEncoding.EncodeToString(private.PublicKey().Bytes()),
	}
}

func (c *extensionClient) sharedKey(t *testing.T, serverPublicKey string) []byte {
	t.Helper()
	serverKey, err := security.ParsePublicKey(serverPublicKey)
	if err != nil {
		t.Fatalf("parse server key: %v", err)
	}
	shared, err := security.DeriveSharedKey(c.private, serverKey)
	if err != nil {
		t.Fatalf("derive shared key: %v", err)
	}
	return shared
}

func (c *extensionClient) seal(t *testing.T, key []byte, payload any) security.Envelope {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	envelope, err := security.Encrypt(body, key)
	if err != nil {
		t.Fatalf("encrypt payload: %v", err)
	}
	return envelope
}

func (h *handshakeHarness) issue(t *testing.T, client *extensionClient, fingerprint string) *IssuedChallenge {
	t.Helper()
	in := IssueChallengeInput{DeviceFingerprint: fingerprint, Client: browserClient()}
	if client != nil {
		in.ClientPublicKey = client.publicKey
	}
	issued, err := h.issuer.Issue(context.Background(), in)
	if err != nil {
		t.Fatalf("issue challenge: %v", err)
	}
	return issued
}

// validateE2E runs a full encrypted handshake and returns the decrypted signed document.
func (h *handshakeHarness) validateE2E(t *testing.T, licenseKey, fingerprint, integrity string) (map[string]any, error) {
	t.Helper()
	client := newExtensionClient(t)
	issued := h.issue(t, client, fingerprint)
	key := client.sharedKey(t, issued.ServerPublicKey)

	result, err := h.validator.Validate(context.Background(), ValidateInput{
		Request: EncryptedValidation{
			Nonce:          issued.Nonce,
			ChallengeToken: issued.Token,
			Payload: client.seal(t, key, validationPayload{
				LicenseKey:        licenseKey,
				DeviceFingerprint: fingerprint,
				IntegrityHash:     integrity,
			}),
		},
		Client: browserClient(),
	})
	if err != nil {
		return nil, err
	}
	if result.Encrypted == nil {
		t.Fatalf("expected encrypted response for e2e validation")
	}
	document, err := security.Decrypt(*result.Encrypted, key)
	if err != nil {
		t.Fatalf("decrypt response: %v", err)
	}
	return h.verifiedDocument(t, document), nil
}

func (h *handshakeHarness) verifiedDocument(t *testing.T, document []byte) map[string]any {
	t.Helper()
	ok, err := security.VerifyJSON(document, h.secrets.SigningKey)
	if err != nil {
		t.Fatalf("verify signature: %v", err)
	}
	if !ok {
		t.Fatalf("response signature does not verify: %s", document)
	}
	var decoded map[string]any
	if err := json.Unmarshal(document, &decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return decoded
}
