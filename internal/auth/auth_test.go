package auth_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fossable/fossdb/internal/auth"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestVerifier_RoundTrip(t *testing.T) {
	t.Parallel()

	v, err := auth.NewVerifier(testSecret, "fossdb")
	require.NoError(t, err)

	userID := uuid.New()
	token, err := auth.Issue(testSecret, "fossdb", userID, time.Hour)
	require.NoError(t, err)

	got, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, userID, got)
}

func TestVerifier_RejectsBadTokens(t *testing.T) {
	t.Parallel()

	v, err := auth.NewVerifier(testSecret, "fossdb")
	require.NoError(t, err)

	userID := uuid.New()

	t.Run("garbage", func(t *testing.T) {
		t.Parallel()
		_, err := v.Verify("not-a-token")
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()
		token, err := auth.Issue([]byte("another-secret-another-secret-00"), "fossdb", userID, time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		t.Parallel()
		claims := jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    "fossdb",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		t.Parallel()
		token, err := auth.Issue(testSecret, "someone-else", userID, time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("no expiry", func(t *testing.T) {
		t.Parallel()
		claims := jwt.RegisteredClaims{
			Subject: userID.String(),
			Issuer:  "fossdb",
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("unsigned algorithm", func(t *testing.T) {
		t.Parallel()
		claims := jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("non uuid subject", func(t *testing.T) {
		t.Parallel()
		claims := jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    "fossdb",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("missing subject", func(t *testing.T) {
		t.Parallel()
		claims := jwt.RegisteredClaims{
			Issuer:    "fossdb",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, auth.ErrMissingSubject)
	})
}

func TestNewVerifier_EmptySecret(t *testing.T) {
	t.Parallel()

	_, err := auth.NewVerifier(nil, "fossdb")
	assert.Error(t, err)
}
