package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	aesKeySize = 32
	gcmIVSize  = 12
)

var (
	// ErrEncryptionFailed indicates the payload could not be sealed.
	ErrEncryptionFailed = errors.New("security: encryption failed")
	// ErrDecryptionFailed covers malformed envelopes and authentication failures alike.
	ErrDecryptionFailed = errors.New("security: decryption failed")
)

// Envelope is an AES-256-GCM ciphertext in its hex transport form.
// The authentication tag is appended to the ciphertext.
type Envelope struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// Empty reports whether either half of the envelope is missing.
func (e Envelope) Empty() bool {
	return e.IV == "" || e.Ciphertext == ""
}

// Encrypt seals plaintext under key with a random 12-byte IV.
func Encrypt(plaintext, key []byte) (Envelope, error) {
	aead, err := newGCM(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	iv := make([]byte, gcmIVSize)
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	return Envelope{
		IV:         hex.EncodeToString(iv),
		Ciphertext: hex.EncodeToString(sealed),
	}, nil
}

// Decrypt opens an envelope produced by Encrypt or by WebCrypto AES-GCM.
func Decrypt(envelope Envelope, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	iv, err := hex.DecodeString(envelope.IV)
	if err != nil || len(iv) != gcmIVSize {
		return nil, fmt.Errorf("%w: malformed iv", ErrDecryptionFailed)
	}
	sealed, err := hex.DecodeString(envelope.Ciphertext)
	if err != nil || len(sealed) < aead.Overhead() {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrDecryptionFailed)
	}

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != aesKeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", aesKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
