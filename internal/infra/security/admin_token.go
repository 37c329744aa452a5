package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AdminRole is the claim value required on admin API tokens.
const AdminRole = "admin"

var (
	// ErrAdminTokenInvalid covers malformed, expired and wrongly signed tokens.
	ErrAdminTokenInvalid = errors.New("security: invalid admin token")
	// ErrAdminRoleRequired indicates a valid token without the admin role.
	ErrAdminRoleRequired = errors.New("security: admin role required")
)

// AdminClaims are the claims carried by admin API bearer tokens.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminTokenVerifier issues and verifies HS256 admin tokens.
type AdminTokenVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewAdminTokenVerifier constructs a verifier for the shared admin secret.
func NewAdminTokenVerifier(secret, issuer string) (*AdminTokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("admin jwt secret must be at least %d characters", minSecretLength)
	}
	return &AdminTokenVerifier{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		now:    time.Now,
	}, nil
}

// WithClock overrides the time source, primarily for tests.
func (v *AdminTokenVerifier) WithClock(now func() time.Time) *AdminTokenVerifier {
	if now != nil {
		v.now = now
	}
	return v
}

// Issue signs a short-lived admin token for subject.
func (v *AdminTokenVerifier) Issue(subject string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := AdminClaims{
		Role: AdminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// Verify parses the token and enforces signature, expiry, issuer and role.
func (v *AdminTokenVerifier) Verify(token string) (*AdminClaims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}

	claims := &AdminClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, options...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrAdminTokenInvalid, err)
	}
	if claims.Role != AdminRole {
		return nil, ErrAdminRoleRequired
	}
	return claims, nil
}
