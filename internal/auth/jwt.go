package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"voxscribe/internal/models"
)

// JWTOptions configures local verification of HMAC-signed access tokens.
type JWTOptions struct {
	Secret    string
	Algorithm string
	Issuer    string
	Audience  string
	Leeway    time.Duration
}

// JWTVerifier validates provider-issued tokens with the shared signing secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(opts JWTOptions) (*JWTVerifier, error) {
	if opts.Secret == "" {
		return nil, errors.New("jwt secret required")
	}
	alg := opts.Algorithm
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}
	switch alg {
	case "HS256", "HS384", "HS512":
	default:
		return nil, fmt.Errorf("unsupported jwt algorithm %q", alg)
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{alg}),
		jwt.WithExpirationRequired(),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	if opts.Leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(opts.Leeway))
	}
	return &JWTVerifier{secret: []byte(opts.Secret), parser: jwt.NewParser(parserOpts...)}, nil
}

func (v *JWTVerifier) Resolve(_ context.Context, token string) (models.User, error) {
	claims := &jwt.RegisteredClaims{}
	if _, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}); err != nil {
		return models.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return models.User{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	user := models.User{ID: claims.Subject}
	if claims.ExpiresAt != nil {
		user.ExpiresAt = claims.ExpiresAt.Time
	}
	return user, nil
}
