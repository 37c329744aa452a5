package security

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestAdminTokenVerifier(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	verifier, err := NewAdminTokenVerifier("admin-secret-admin-secret", "license-service")
	if err != nil {
		t.Fatalf("NewAdminTokenVerifier: %v", err)
	}
	verifier.WithClock(func() time.Time { return now })

	token, err := verifier.Issue("ops@example.com", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "ops@example.com" || claims.Role != AdminRole {
		t.Fatalf("unexpected claims %+v", claims)
	}

	verifier.WithClock(func() time.Time { return now.Add(2 * time.Minute) })
	if _, err := verifier.Verify(token); !errors.Is(err, ErrAdminTokenInvalid) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestAdminTokenVerifierRejectsNonAdmin(t *testing.T) {
	now := time.Now()
	verifier, err := NewAdminTokenVerifier("admin-secret-admin-secret", "")
	if err != nil {
		t.Fatalf("NewAdminTokenVerifier: %v", err)
	}

	claims := AdminClaims{
		Role: "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("admin-secret-admin-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(token); !errors.Is(err, ErrAdminRoleRequired) {
		t.Fatalf("expected ErrAdminRoleRequired, got %v", err)
	}

	if _, err := verifier.Verify("garbage"); !errors.Is(err, ErrAdminTokenInvalid) {
		t.Fatalf("expected ErrAdminTokenInvalid, got %v", err)
	}
}

func TestNewAdminTokenVerifierRequiresSecret(t *testing.T) {
	if _, err := NewAdminTokenVerifier("short", ""); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}
