package security

import (
	"errors"
	"fmt"
	"strings"
)

const minSecretLength = 16

var (
	// ErrMissingSigningKey is returned when no HMAC signing key is configured.
	ErrMissingSigningKey = errors.New("security: signing key is not configured")
	// ErrMissingE2ESalt is returned when no PBKDF2 salt is configured.
	ErrMissingE2ESalt = errors.New("security: e2e encryption salt is not configured")
)

// SecurityConfig carries the server-side secrets of the handshake.
// Build it with NewSecurityConfig; the zero value is unusable.
type SecurityConfig struct {
	SigningKey       []byte
	E2ESalt          []byte
	PBKDF2Iterations int
}

// NewSecurityConfig validates the secrets and fails when either is absent or too short.
func NewSecurityConfig(signingKey, e2eSalt string, iterations int) (SecurityConfig, error) {
	signingKey = strings.TrimSpace(signingKey)
	e2eSalt = strings.TrimSpace(e2eSalt)

	switch {
	case signingKey == "":
		return SecurityConfig{}, ErrMissingSigningKey
	case len(signingKey) < minSecretLength:
		return SecurityConfig{}, fmt.Errorf("%w: must be at least %d characters", ErrMissingSigningKey, minSecretLength)
	case e2eSalt == "":
		return SecurityConfig{}, ErrMissingE2ESalt
	case len(e2eSalt) < minSecretLength:
		return SecurityConfig{}, fmt.Errorf("%w: must be at least %d characters", ErrMissingE2ESalt, minSecretLength)
	}

	if iterations <= 0 {
		iterations = DefaultPBKDF2Iterations
	}

	return SecurityConfig{
		SigningKey:       []byte(signingKey),
		E2ESalt:          []byte(e2eSalt),
		PBKDF2Iterations: iterations,
	}, nil
}

// SessionKey derives the heartbeat encryption key for a session token.
func (c SecurityConfig) SessionKey(sessionToken string) []byte {
	return DeriveSessionKey(sessionToken, c.E2ESalt, c.PBKDF2Iterations)
}
