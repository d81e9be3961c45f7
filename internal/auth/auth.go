// Package auth verifies the bearer tokens presented by websocket clients.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when the token is malformed, expired, or
	// carries a bad signature.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingSubject is returned when the token has no usable subject
	// claim.
	ErrMissingSubject = errors.New("token has no subject")
)

// DefaultTokenTTL bounds tokens issued by Issue.
const DefaultTokenTTL = 24 * time.Hour

// Verifier validates a bearer token and yields the authenticated user id.
type Verifier interface {
	Verify(token string) (uuid.UUID, error)
}

// hmacVerifier validates HS256 tokens signed with a shared secret.
type hmacVerifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a Verifier for HS256 tokens signed with secret. If
// issuer is non-empty the token's iss claim must match it.
func NewVerifier(secret []byte, issuer string) (Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret must not be empty")
	}
	return &hmacVerifier{secret: secret, issuer: issuer}, nil
}

// Verify implements Verifier.
func (v *hmacVerifier) Verify(tokenString string) (uuid.UUID, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.Parse(tokenString, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return uuid.Nil, ErrMissingSubject
	}
	userID, err := uuid.Parse(subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}
	return userID, nil
}

// Issue signs an HS256 token for the given user. Used by the CLI and by
// tests; the server only verifies.
func Issue(secret []byte, issuer string, userID uuid.UUID, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
