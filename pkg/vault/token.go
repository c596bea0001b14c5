package vault

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// capabilityClaims binds vault key material to its session with an
// expiry matching the vault entry.
type capabilityClaims struct {
	VaultKey string `json:"vk"`
	jwt.RegisteredClaims
}

// TokenSigner wraps vault keys in signed, expiring capability tokens so
// the key can travel to the session holder without the server keeping a
// plaintext copy anywhere but inside the token itself.
type TokenSigner struct {
	key []byte
}

// NewTokenSigner creates a signer with an HMAC key.
func NewTokenSigner(key []byte) (*TokenSigner, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes, got %d", len(key))
	}
	return &TokenSigner{key: key}, nil
}

// Issue signs a capability token for the given session and vault key.
func (s *TokenSigner) Issue(sessionID, vaultKey string, expiresAt time.Time) (string, error) {
	claims := capabilityClaims{
		VaultKey: vaultKey,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing capability token: %w", err)
	}
	return signed, nil
}

// Verify validates a capability token and returns the session id and
// vault key it carries. Invalid or expired tokens return ErrMiss.
func (s *TokenSigner) Verify(tokenString string) (sessionID, vaultKey string, err error) {
	var claims capabilityClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil || !token.Valid || claims.Subject == "" || claims.VaultKey == "" {
		return "", "", ErrMiss
	}
	return claims.Subject, claims.VaultKey, nil
}
