// Package auth resolves bearer tokens to caller identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"voxscribe/internal/models"
)

var (
	ErrMissingToken   = errors.New("authorization required")
	ErrMalformedToken = errors.New("authorization header must be 'Bearer <token>'")
	ErrInvalidToken   = errors.New("invalid or expired token")
)

// Verifier resolves a bearer token to a user. Implementations return an error wrapping
// ErrInvalidToken for tokens the provider rejects; other errors mean the provider could not
// be consulted. Callers treat both as unauthenticated.
type Verifier interface {
	Resolve(ctx context.Context, token string) (models.User, error)
}

type userKey struct{}

// ContextWithUser attaches the authenticated user to ctx.
func ContextWithUser(ctx context.Context, user models.User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFrom returns the user attached by ContextWithUser.
func UserFrom(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(userKey{}).(models.User)
	return user, ok
}

const bearerPrefix = "bearer "

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingToken
	}
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", ErrMalformedToken
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", ErrMalformedToken
	}
	return token, nil
}

type unavailableVerifier struct {
	err error
}

// Unavailable returns a Verifier that rejects every token. It stands in when the identity
// provider is not configured so the process can still start.
func Unavailable(reason error) Verifier {
	return unavailableVerifier{err: reason}
}

func (u unavailableVerifier) Resolve(context.Context, string) (models.User, error) {
	return models.User{}, fmt.Errorf("%w: identity provider not configured: %v", ErrInvalidToken, u.err)
}
