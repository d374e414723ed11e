package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedValidator remembers successful validations for a TTL so reconnecting
// clients are not re-verified on every connection. Failures are never cached.
type CachedValidator struct {
	next  Validator
	cache *gocache.Cache
}

// NewCachedValidator wraps next with a success cache of the given TTL.
func NewCachedValidator(next Validator, ttl time.Duration) *CachedValidator {
	return &CachedValidator{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// Validate implements Validator.
func (v *CachedValidator) Validate(ctx context.Context, credential string) (Principal, error) {
	key := cacheKey(credential)
	if cached, ok := v.cache.Get(key); ok {
		return cached.(Principal), nil
	}
	principal, err := v.next.Validate(ctx, credential)
	if err != nil {
		return nil, err
	}
	v.cache.SetDefault(key, principal)
	return principal, nil
}

// Len returns the number of cached principals.
func (v *CachedValidator) Len() int {
	return v.cache.ItemCount()
}

func cacheKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

var _ Validator = (*CachedValidator)(nil)
