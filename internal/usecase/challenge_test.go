package usecase

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/infra/security"
	"github.com/arklim/extension-license-service/internal/repository"
)

func TestChallengeIssuePinsClientKey(t *testing.T) {
	h := newHandshakeHarness(t, nil)
	client := newExtensionClient(t)

	issued := h.issue(t, client, testDeviceF1)

	if issued.EncryptionVersion != EncryptionVersionE2E {
		t.Fatalf("expected encryption version 2, got %d", issued.EncryptionVersion)
	}
	if len(issued.Nonce) != 64 {
		t.Fatalf("expected 32-byte hex nonce, got %q", issued.Nonce)
	}
	if want := h.clock.Now().Add(5 * time.Minute); !issued.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, issued.ExpiresAt)
	}
	if _, err := security.ParsePublicKey(issued.ServerPublicKey); err != nil {
		t.Fatalf("server public key should parse: %v", err)
	}

	stored := h.challenges.only()
	if stored == nil {
		t.Fatalf("expected challenge to be stored")
	}
	if !stored.HasPinnedClientKey() || *stored.ClientPublicKey != client.publicKey {
		t.Fatalf("expected client key to be pinned")
	}
	if stored.DeviceFingerprint != testDeviceF1 || stored.Used {
		t.Fatalf("unexpected stored challenge %+v", stored)
	}
	if _, err := security.ImportPrivateKeyJWK(stored.ServerPrivateKey); err != nil {
		t.Fatalf("stored private key should import: %v", err)
	}

	if h.sweeper.nudges != 1 {
		t.Fatalf("expected sweeper nudge, got %d", h.sweeper.nudges)
	}
	if !h.logs.has(domain.ActionChallengeIssued) {
		t.Fatalf("expected challenge_issued audit, got %v", h.logs.actions())
	}
	if !h.metrics.sawTransition("", domain.HandshakeIssued) {
		t.Fatalf("expected issued transition")
	}
}

func TestChallengeIssueRejectsMissingFingerprint(t *testing.T) {
	h := newHandshakeHarness(t, nil)

	_, err := h.issuer.Issue(context.Background(), IssueChallengeInput{DeviceFingerprint: "  ", Client: browserClient()})
	if !errors.Is(err, ErrMissingFingerprint) {
		t.Fatalf("expected ErrMissingFingerprint, got %v", err)
	}
	if h.challenges.only() != nil {
		t.Fatalf("no challenge should be stored")
	}
}

func TestChallengeIssueRejectsMalformedClientKey(t *testing.T) {
	h := newHandshakeHarness(t, nil)

	_, err := h.issuer.Issue(context.Background(), IssueChallengeInput{
		DeviceFingerprint: testDeviceF1,
		ClientPublicKey:   "bm90LWEta2V5",
		Client:            browserClient(),
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestChallengeIssueBlocksInterceptionProxy(t *testing.T) {
	h := newHandshakeHarness(t, nil)
	client := browserClient()
	client.Headers = http.Header{"X-Mitmproxy-Flow": []string{"1"}}

	_, err := h.issuer.Issue(context.Background(), IssueChallengeInput{DeviceFingerprint: testDeviceF1, Client: client})
	if !errors.Is(err, ErrSecurityViolation) {
		t.Fatalf("expected ErrSecurityViolation, got %v", err)
	}
	event := h.logs.last(domain.ActionProxyDetected)
	if event == nil {
		t.Fatalf("expected proxy_detected audit")
	}
	if event.Metadata["endpoint"] != "challenge" {
		t.Fatalf("unexpected audit metadata %v", event.Metadata)
	}
	if h.challenges.only() != nil {
		t.Fatalf("no challenge should be stored")
	}
}

func TestChallengeIssueRetriesOnNonceCollision(t *testing.T) {
	h := newHandshakeHarness(t, nil)
	h.challenges.conflicts = 2

	if _, err := h.issuer.Issue(context.Background(), IssueChallengeInput{DeviceFingerprint: testDeviceF1, Client: browserClient()}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}

	h.challenges.conflicts = maxChallengeRetries
	_, err := h.issuer.Issue(context.Background(), IssueChallengeInput{DeviceFingerprint: testDeviceF1, Client: browserClient()})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict after exhausting retries, got %v", err)
	}
}
