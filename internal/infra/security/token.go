package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	nonceBytes        = 32
	sessionTokenBytes = 32
	challengeEntropy  = 16
)

// GenerateNonce returns 32 random bytes hex encoded.
func GenerateNonce() (string, error) {
	return randomHex(nonceBytes)
}

// GenerateSessionToken returns 32 random bytes hex encoded.
func GenerateSessionToken() (string, error) {
	return randomHex(sessionTokenBytes)
}

// GenerateChallengeToken builds the "<unix-ms>.<random hex>" composite bound to a nonce.
func GenerateChallengeToken(at time.Time) (string, error) {
	suffix, err := randomHex(challengeEntropy)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%s", at.UnixMilli(), suffix), nil
}

func randomHex(byteLength int) (string, error) {
	buf := make([]byte, byteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
