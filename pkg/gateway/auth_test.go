package gateway

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "gateway-test-secret"

func signToken(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthenticateValidToken(t *testing.T) {
	auth, err := NewAuthenticator(testSecret)
	require.NoError(t, err)

	token := signToken(t, testSecret, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	identity, err := auth.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", identity.UserID)
}

func TestAuthenticateUserIDClaimFallback(t *testing.T) {
	auth, err := NewAuthenticator(testSecret)
	require.NoError(t, err)

	token := signToken(t, testSecret, jwt.MapClaims{
		"user_id": "user-7",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})

	identity, err := auth.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-7", identity.UserID)
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	auth, err := NewAuthenticator(testSecret)
	require.NoError(t, err)

	token := signToken(t, testSecret, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})

	_, err = auth.Authenticate(token)
	assert.Error(t, err)
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	auth, err := NewAuthenticator(testSecret)
	require.NoError(t, err)

	token := signToken(t, "some-other-secret", jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	_, err = auth.Authenticate(token)
	assert.Error(t, err)
}

func TestAuthenticateRejectsMissingUserID(t *testing.T) {
	auth, err := NewAuthenticator(testSecret)
	require.NoError(t, err)

	token := signToken(t, testSecret, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	_, err = auth.Authenticate(token)
	assert.Error(t, err)
}

func TestAuthenticateRejectsEmptyToken(t *testing.T) {
	auth, err := NewAuthenticator(testSecret)
	require.NoError(t, err)

	_, err = auth.Authenticate("")
	assert.Error(t, err)
}

func TestNewAuthenticatorRequiresSecret(t *testing.T) {
	_, err := NewAuthenticator("  ")
	assert.Error(t, err)
}
