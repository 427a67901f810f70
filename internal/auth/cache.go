package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"voxscribe/internal/models"
	"voxscribe/internal/redis"
)

const tokenCachePrefix = "auth:token:"

// TokenCache is the subset of the redis client the cache needs.
type TokenCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// CachedVerifier remembers successful resolutions so repeated requests skip the provider.
// Rejections are never cached and cache failures fall through to the inner verifier.
type CachedVerifier struct {
	inner Verifier
	cache TokenCache
	ttl   time.Duration
	log   zerolog.Logger
	now   func() time.Time
}

func NewCachedVerifier(inner Verifier, cache TokenCache, ttl time.Duration, log zerolog.Logger) *CachedVerifier {
	return &CachedVerifier{inner: inner, cache: cache, ttl: ttl, log: log, now: time.Now}
}

func (v *CachedVerifier) Resolve(ctx context.Context, token string) (models.User, error) {
	key := tokenCacheKey(token)
	id, err := v.cache.Get(ctx, key)
	if err == nil && id != "" {
		return models.User{ID: id}, nil
	}
	if err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		v.log.Warn().Err(err).Msg("token cache read failed")
	}

	user, err := v.inner.Resolve(ctx, token)
	if err != nil {
		return user, err
	}
	if ttl := v.entryTTL(user); ttl > 0 {
		if err := v.cache.Set(ctx, key, user.ID, ttl); err != nil {
			v.log.Warn().Err(err).Msg("token cache write failed")
		}
	}
	return user, nil
}

// entryTTL never outlives the token itself.
func (v *CachedVerifier) entryTTL(user models.User) time.Duration {
	ttl := v.ttl
	if !user.ExpiresAt.IsZero() {
		if remaining := user.ExpiresAt.Sub(v.now()); remaining < ttl {
			ttl = remaining
		}
	}
	return ttl
}

func tokenCacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return tokenCachePrefix + hex.EncodeToString(sum[:])
}
