// Package authtest signs access tokens for tests.
package authtest

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatline/internal/auth"
)

// Secret is the signing secret tests configure their authenticators with.
const Secret = "test-secret-do-not-use-in-production"

// Token returns an access token for userID valid for one hour.
func Token(t testing.TB, userID int64) string {
	t.Helper()
	return Sign(t, Secret, &auth.Claims{
		UserID:    userID,
		TokenType: auth.AccessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
}

// Sign signs claims with HS256.
func Sign(t testing.TB, secret string, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
