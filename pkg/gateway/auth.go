package gateway

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated principal behind one websocket connection.
type Identity struct {
	UserID string
}

// tokenClaims is the internal claims type used for JWT parsing. The user id
// travels in the subject claim, with a user_id claim accepted as a fallback.
type tokenClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// Authenticator validates client-presented bearer tokens.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an HS256 token authenticator.
func NewAuthenticator(secret string) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("token secret cannot be empty")
	}
	return &Authenticator{secret: []byte(secret)}, nil
}

// Authenticate verifies the token's signature and expiry and returns the
// identity it asserts.
func (a *Authenticator) Authenticate(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("token is required")
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid token: %w", err)
	}

	userID := claims.Subject
	if userID == "" {
		userID = claims.UserID
	}
	if userID == "" {
		return Identity{}, fmt.Errorf("token carries no user id")
	}
	return Identity{UserID: userID}, nil
}
