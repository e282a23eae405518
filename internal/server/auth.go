package server

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// CollectorClaims identify a telemetry sender.
type CollectorClaims struct {
	CollectorID string `json:"collector_id"`
	jwt.RegisteredClaims
}

// TokenValidator verifies collector bearer tokens. An empty secret
// disables authentication.
type TokenValidator struct {
	secret []byte
}

func NewTokenValidator(secret string) *TokenValidator {
	return &TokenValidator{secret: []byte(secret)}
}

// Enabled reports whether bearer auth is configured.
func (tv *TokenValidator) Enabled() bool {
	return len(tv.secret) > 0
}

// Validate parses and verifies an HS256 collector token.
func (tv *TokenValidator) Validate(tokenString string) (*CollectorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CollectorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return tv.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*CollectorClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// GenerateCollectorToken issues an HS256 token for a collector. Used by
// the CLI to provision senders.
func GenerateCollectorToken(secret, collectorID string, ttl time.Duration) (string, error) {
	claims := CollectorClaims{
		CollectorID: collectorID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "crowsnest",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// extractBearer pulls the token out of an Authorization header.
func extractBearer(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
