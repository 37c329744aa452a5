package domain

import (
	"crypto/subtle"
	"time"
)

// IntegrityNotProvided is stored when the client did not report an integrity hash.
// Either side carrying it disables the integrity comparison.
const IntegrityNotProvided = "not-provided"

// Session represents an activated device's authenticated window of use.
type Session struct {
	ID                string
	Token             string
	LicenseID         string
	DeviceFingerprint string
	IntegrityHash     string
	IPAddress         *string
	CreatedAt         time.Time
	LastHeartbeat     time.Time
	ExpiresAt         time.Time
}

// IsExpired reports whether the session has lapsed at the supplied moment.
func (s Session) IsExpired(at time.Time) bool {
	return !s.ExpiresAt.After(at)
}

// IntegrityMatches compares the stored snapshot with a freshly reported hash.
// It returns true whenever either value is unknown.
func (s Session) IntegrityMatches(presented string) bool {
	if !KnownIntegrity(s.IntegrityHash) || !KnownIntegrity(presented) {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(s.IntegrityHash), []byte(presented)) == 1
}

// KnownIntegrity reports whether the hash is an actual value.
func KnownIntegrity(hash string) bool {
	return hash != "" && hash != IntegrityNotProvided
}

// IntegrityOrSentinel returns the hash or IntegrityNotProvided when empty.
func IntegrityOrSentinel(hash string) string {
	if hash == "" {
		return IntegrityNotProvided
	}
	return hash
}
