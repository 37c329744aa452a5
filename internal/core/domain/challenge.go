package domain

import "time"

// Challenge is a single-use, time-bounded token issued before license validation.
// It carries the server half of an ephemeral ECDH key exchange.
type Challenge struct {
	ID                string
	Nonce             string
	Token             string
	DeviceFingerprint string
	ExtensionID       *string
	// ServerPrivateKey is the JWK serialization of the ephemeral P-256 private key.
	ServerPrivateKey string
	// ServerPublicKey is the base64 raw uncompressed point handed to the client.
	ServerPublicKey string
	// ClientPublicKey is pinned at issuance when the client supplied one.
	ClientPublicKey *string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	Used            bool
	UsedAt          *time.Time
}

// IsExpired reports whether the challenge can no longer be consumed.
func (c Challenge) IsExpired(at time.Time) bool {
	return !c.ExpiresAt.After(at)
}

// HasPinnedClientKey reports whether the client key was bound at issuance.
func (c Challenge) HasPinnedClientKey() bool {
	return c.ClientPublicKey != nil && *c.ClientPublicKey != ""
}

// State derives the handshake state of the challenge.
func (c Challenge) State() HandshakeState {
	if c.Used {
		return HandshakeConsumed
	}
	return HandshakeIssued
}
