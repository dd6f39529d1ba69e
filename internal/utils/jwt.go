package utils

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// NewAccessToken issues a short-lived HS256 token carrying the given
// role. Used by the admin login flow; there are no per-user accounts,
// only the operator.
func NewAccessToken(secret, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(secret))
}
