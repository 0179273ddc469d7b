// ABOUTME: JWT token minting for authenticating backend API requests
// ABOUTME: Uses HS256 signing with configurable secret

package backendapi

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenLifetime is how long a minted request token stays valid.
const DefaultTokenLifetime = 2 * time.Minute

// TokenMinter produces short-lived HS256 signed JWTs for API requests.
type TokenMinter struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// NewTokenMinter creates a minter signing with the given secret.
func NewTokenMinter(secret []byte) *TokenMinter {
	return &TokenMinter{
		secret:   secret,
		lifetime: DefaultTokenLifetime,
		now:      time.Now,
	}
}

// Mint creates a new JWT for the given principal ID with expiration.
func (m *TokenMinter) Mint(principalID string) (string, error) {
	now := m.now()
	claims := jwt.MapClaims{
		"sub": principalID,
		"iat": now.Unix(),
		"exp": now.Add(m.lifetime).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}
