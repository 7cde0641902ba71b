package auth

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachingDirectory fronts a Directory with an expirable LRU so repeated
// reconnects do not hammer the user store during connection storms.
type CachingDirectory struct {
	inner Directory
	cache *expirable.LRU[string, *User]
}

// NewCachingDirectory wraps the directory with a bounded TTL cache.
func NewCachingDirectory(inner Directory, size int, ttl time.Duration) *CachingDirectory {
	if size <= 0 {
		size = 256
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachingDirectory{
		inner: inner,
		cache: expirable.NewLRU[string, *User](size, nil, ttl),
	}
}

// FindUserByID returns the cached entry when present, otherwise consults
// the underlying directory. Lookup failures and misses are not cached so
// a deactivated-then-reactivated account resolves promptly.
func (d *CachingDirectory) FindUserByID(ctx context.Context, id string) (*User, error) {
	if d == nil || d.inner == nil {
		return nil, ErrUnknownUser
	}
	if user, ok := d.cache.Get(id); ok {
		return user, nil
	}
	user, err := d.inner.FindUserByID(ctx, id)
	if err != nil || user == nil {
		return user, err
	}
	d.cache.Add(id, user)
	return user, nil
}

// Invalidate drops the cached entry, forcing the next lookup through.
func (d *CachingDirectory) Invalidate(id string) {
	if d == nil {
		return
	}
	d.cache.Remove(id)
}
