package gateway

import (
	"context"
	"log"
	"sync"
	"time"

	"pharmapos/backend/internal/cache"
	"pharmapos/backend/internal/domain"
)

// CredentialProvider hands out a bearer token that is valid right now.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

type TokenFetcher func(ctx context.Context) (*domain.GatewayToken, error)

// CachedCredentials keeps one token in process and, when a shared cache is
// configured, reuses tokens fetched by other instances. Tokens are refreshed
// a little before they expire.
type CachedCredentials struct {
	fetch    TokenFetcher
	shared   cache.TokenCache
	cacheKey string
	skew     time.Duration
	now      func() time.Time

	mu      sync.Mutex
	current *domain.GatewayToken
}

func NewCachedCredentials(fetch TokenFetcher, shared cache.TokenCache, cacheKey string) *CachedCredentials {
	if shared == nil {
		shared = cache.NoopTokenCache{}
	}
	return &CachedCredentials{
		fetch:    fetch,
		shared:   shared,
		cacheKey: cacheKey,
		skew:     30 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (c *CachedCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid(c.current) {
		return c.current.Value, nil
	}

	if token, ok, err := c.shared.Get(ctx, c.cacheKey); err != nil {
		log.Printf("[gateway] WARN: token cache read failed: %v", err)
	} else if ok && c.valid(token) {
		c.current = token
		return token.Value, nil
	}

	token, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	c.current = token

	if ttl := token.ExpiresAt.Sub(c.now()) - c.skew; ttl > 0 {
		if err := c.shared.Set(ctx, c.cacheKey, token, ttl); err != nil {
			log.Printf("[gateway] WARN: token cache write failed: %v", err)
		}
	}
	return token.Value, nil
}

// Invalidate drops the in-process token, e.g. after the gateway rejected it.
func (c *CachedCredentials) Invalidate() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

func (c *CachedCredentials) valid(token *domain.GatewayToken) bool {
	return token != nil && token.Value != "" && c.now().Add(c.skew).Before(token.ExpiresAt)
}
