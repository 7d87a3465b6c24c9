package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/worklog/guard/internal/config"
)

// SessionTokenBytes is the amount of randomness in a session token
const SessionTokenBytes = 32

// ErrInvalidIdentityToken is returned when an identity provider token fails verification
var ErrInvalidIdentityToken = errors.New("invalid identity token")

// GenerateSessionToken returns a new opaque session token and its storage hash.
// Only the hash is ever persisted.
func GenerateSessionToken() (token string, hash string, err error) {
	raw := make([]byte, SessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate session token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	return token, HashToken(token), nil
}

// HashToken creates a SHA-256 hash of a token for secure storage.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// IdentityClaims are the claims read from an identity provider access token
type IdentityClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// IdentityVerifier checks access tokens issued by the external identity provider.
// Tokens are HS256 signed with a shared secret.
type IdentityVerifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	timeNow  func() time.Time // For testability
}

// NewIdentityVerifier creates a verifier from configuration
func NewIdentityVerifier(cfg config.IdentityConfig) (*IdentityVerifier, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("identity.jwt_secret is required")
	}
	return &IdentityVerifier{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		leeway:   30 * time.Second,
		timeNow:  time.Now,
	}, nil
}

// Verify parses and validates the token and returns its claims.
// The subject claim is required and becomes the session owner.
func (v *IdentityVerifier) Verify(tokenString string) (*IdentityClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.timeNow),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &IdentityClaims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentityToken, err)
	}

	claims, ok := token.Claims.(*IdentityClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidIdentityToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidIdentityToken)
	}
	return claims, nil
}
