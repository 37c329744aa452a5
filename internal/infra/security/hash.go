package security

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashIdentifier returns the hex SHA-256 of the lowercased, trimmed input.
// It is used to log license keys and fingerprints without storing them.
func HashIdentifier(value string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(value))))
	return hex.EncodeToString(sum[:])
}

// Truncate shortens hashes for log output.
func Truncate(value string, length int) string {
	if length <= 0 || len(value) <= length {
		return value
	}
	return value[:length]
}
