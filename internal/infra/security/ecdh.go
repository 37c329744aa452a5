package security

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
)

// ErrInvalidPublicKey indicates the peer key is not a P-256 uncompressed point.
var ErrInvalidPublicKey = errors.New("security: invalid ecdh public key")

// ECDHKeyPair is an ephemeral P-256 key pair in its transport encodings.
type ECDHKeyPair struct {
	// PublicKey is the base64 raw uncompressed point (65 bytes), as exported by WebCrypto "raw".
	PublicKey string
	// PrivateKeyJWK is the JWK form of the private key, suitable for storage.
	PrivateKeyJWK string

	private *ecdh.PrivateKey
}

// PrivateKey exposes the parsed private key.
func (k *ECDHKeyPair) PrivateKey() *ecdh.PrivateKey {
	return k.private
}

// GenerateECDHKeyPair creates a fresh P-256 key pair.
func GenerateECDHKeyPair() (*ECDHKeyPair, error) {
	signingKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate p-256 key: %w", err)
	}

	jwk := jose.JSONWebKey{Key: signingKey}
	encoded, err := jwk.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode private jwk: %w", err)
	}

	private, err := signingKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("convert to ecdh key: %w", err)
	}

	return &ECDHKeyPair{
		PublicKey:     base64.StdEncoding.EncodeToString(private.PublicKey().Bytes()),
		PrivateKeyJWK: string(encoded),
		private:       private,
	}, nil
}

// ImportPrivateKeyJWK restores a private key stored by GenerateECDHKeyPair.
func ImportPrivateKeyJWK(encoded string) (*ecdh.PrivateKey, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON([]byte(encoded)); err != nil {
		return nil, fmt.Errorf("decode private jwk: %w", err)
	}

	signingKey, ok := jwk.Key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("decode private jwk: unexpected key type %T", jwk.Key)
	}
	if signingKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("decode private jwk: unsupported curve %s", signingKey.Curve.Params().Name)
	}

	private, err := signingKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("convert to ecdh key: %w", err)
	}
	return private, nil
}

// ParsePublicKey decodes a base64 raw P-256 public key.
func ParsePublicKey(encoded string) (*ecdh.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, ErrInvalidPublicKey
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
	}

	key, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return key, nil
}

// DeriveSharedKey performs ECDH and returns the 32-byte shared secret used as an AES-256 key.
func DeriveSharedKey(private *ecdh.PrivateKey, peer *ecdh.PublicKey) ([]byte, error) {
	if private == nil || peer == nil {
		return nil, fmt.Errorf("derive shared key: missing key")
	}
	secret, err := private.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("derive shared key: %w", err)
	}
	return secret, nil
}
