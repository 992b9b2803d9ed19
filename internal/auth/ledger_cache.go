package auth

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const revokedCacheTTL = time.Hour

// LedgerCache fronts a CredentialStore with an in-process cache of revoked JTIs. Only positive
// answers are cached, so a revocation is never hidden.
type LedgerCache struct {
	CredentialStore
	revoked *ristretto.Cache[string, struct{}]
	now     func() time.Time
}

// NewLedgerCache wraps inner with a cache holding up to maxEntries revoked JTIs.
func NewLedgerCache(inner CredentialStore, maxEntries int64) (*LedgerCache, error) {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, struct{}]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &LedgerCache{CredentialStore: inner, revoked: cache, now: time.Now}, nil
}

// IsBlacklisted answers from the cache when it can and remembers positive store answers.
func (c *LedgerCache) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	if _, ok := c.revoked.Get(jti); ok {
		return true, nil
	}
	revoked, err := c.CredentialStore.IsBlacklisted(ctx, jti)
	if err != nil || !revoked {
		return revoked, err
	}
	c.revoked.SetWithTTL(jti, struct{}{}, 1, revokedCacheTTL)
	return true, nil
}

// Blacklist writes through and caches the entry until its original expiry.
func (c *LedgerCache) Blacklist(ctx context.Context, entry LedgerEntry) error {
	if err := c.CredentialStore.Blacklist(ctx, entry); err != nil {
		return err
	}
	ttl := entry.ExpiresAt.Sub(c.now())
	if ttl > revokedCacheTTL {
		ttl = revokedCacheTTL
	}
	if ttl > 0 {
		c.revoked.SetWithTTL(entry.JTI, struct{}{}, 1, ttl)
	}
	return nil
}

// Close releases the cache.
func (c *LedgerCache) Close() {
	c.revoked.Close()
}

type cachedStore struct {
	Store
	creds *LedgerCache
}

func (s cachedStore) Credentials() CredentialStore { return s.creds }

// WithLedgerCache returns store with its credential store wrapped in cache.
func WithLedgerCache(store Store, cache *LedgerCache) Store {
	return cachedStore{Store: store, creds: cache}
}
