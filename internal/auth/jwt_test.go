package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "super-secret-signing-key"

func signToken(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func validClaims(sub string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
}

func TestJWTVerifierResolvesSubject(t *testing.T) {
	v, err := NewJWTVerifier(JWTOptions{Secret: testSecret})
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	token := signToken(t, jwt.SigningMethodHS256, testSecret, validClaims("user-123"))
	user, err := v.Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if user.ID != "user-123" {
		t.Fatalf("expected user-123, got %q", user.ID)
	}
	if user.ExpiresAt.IsZero() {
		t.Fatalf("expected expiry to be carried over")
	}
}

func TestJWTVerifierRejects(t *testing.T) {
	v, err := NewJWTVerifier(JWTOptions{Secret: testSecret, Issuer: "https://auth.example.com", Audience: "authenticated"})
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	good := validClaims("u1")
	good.Issuer = "https://auth.example.com"
	good.Audience = jwt.ClaimStrings{"authenticated"}

	expired := good
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noExpiry := good
	noExpiry.ExpiresAt = nil
	noSubject := good
	noSubject.Subject = ""
	wrongIssuer := good
	wrongIssuer.Issuer = "https://evil.example.com"
	wrongAudience := good
	wrongAudience.Audience = jwt.ClaimStrings{"anon"}

	tests := map[string]string{
		"expired":        signToken(t, jwt.SigningMethodHS256, testSecret, expired),
		"no expiry":      signToken(t, jwt.SigningMethodHS256, testSecret, noExpiry),
		"no subject":     signToken(t, jwt.SigningMethodHS256, testSecret, noSubject),
		"wrong issuer":   signToken(t, jwt.SigningMethodHS256, testSecret, wrongIssuer),
		"wrong audience": signToken(t, jwt.SigningMethodHS256, testSecret, wrongAudience),
		"wrong secret":   signToken(t, jwt.SigningMethodHS256, "other-secret", good),
		"wrong method":   signToken(t, jwt.SigningMethodHS512, testSecret, good),
		"garbage":        "not-a-jwt",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Resolve(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}

	if _, err := v.Resolve(context.Background(), signToken(t, jwt.SigningMethodHS256, testSecret, good)); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
}

func TestNewJWTVerifierValidatesOptions(t *testing.T) {
	if _, err := NewJWTVerifier(JWTOptions{}); err == nil {
		t.Fatalf("expected error for missing secret")
	}
	if _, err := NewJWTVerifier(JWTOptions{Secret: "s", Algorithm: "RS256"}); err == nil {
		t.Fatalf("expected error for unsupported algorithm")
	}
}
