package security

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultPBKDF2Iterations is the iteration count shared with extension clients.
const DefaultPBKDF2Iterations = 100000

// DeriveSessionKey derives the heartbeat AES-256 key from the session token and the server salt.
func DeriveSessionKey(sessionToken string, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultPBKDF2Iterations
	}
	return pbkdf2.Key([]byte(sessionToken), salt, iterations, aesKeySize, sha256.New)
}
