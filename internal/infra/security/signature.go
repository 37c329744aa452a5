package security

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SignatureAlgorithm is advertised next to every signature.
const SignatureAlgorithm = "HMAC-SHA256"

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex signature in constant time.
func Verify(payload []byte, signature string, key []byte) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}

// SignJSON serialises payload, signs the exact bytes and appends the
// "signature" and "signature_algorithm" members. Removing those two members
// and serialising the remaining object in order reproduces the signed bytes.
func SignJSON(payload any, key []byte) ([]byte, error) {
	body, err := MarshalCompact(payload)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' || body[len(body)-1] != '}' {
		return nil, fmt.Errorf("sign json: payload must be an object")
	}

	suffix, err := json.Marshal(struct {
		Signature          string `json:"signature"`
		SignatureAlgorithm string `json:"signature_algorithm"`
	}{Signature: Sign(body, key), SignatureAlgorithm: SignatureAlgorithm})
	if err != nil {
		return nil, fmt.Errorf("sign json: %w", err)
	}

	var out bytes.Buffer
	out.Grow(len(body) + len(suffix))
	out.Write(body[:len(body)-1])
	if len(body) > 2 {
		out.WriteByte(',')
	}
	out.Write(suffix[1:])
	return out.Bytes(), nil
}

// VerifyJSON checks a document produced by SignJSON.
func VerifyJSON(document []byte, key []byte) (bool, error) {
	var envelope struct {
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(document, &envelope); err != nil {
		return false, fmt.Errorf("verify json: %w", err)
	}
	marker := []byte(`,"signature":`)
	idx := bytes.LastIndex(document, marker)
	if idx < 0 {
		marker = []byte(`"signature":`)
		idx = bytes.LastIndex(document, marker)
		if idx < 0 {
			return false, nil
		}
		return Verify([]byte("{}"), envelope.Signature, key), nil
	}
	body := append(append([]byte{}, document[:idx]...), '}')
	return Verify(body, envelope.Signature, key), nil
}

// MarshalCompact encodes v without HTML escaping or a trailing newline,
// matching JSON.stringify output for plain values.
func MarshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
