package paymentgateway

import (
	"context"
	"sync"
	"time"

	"github.com/frahmantamala/mobile-money/internal/clock"
)

const defaultRefreshMargin = 60 * time.Second

// TokenFetcher performs one OAuth round trip.
type TokenFetcher func(ctx context.Context) (token string, ttl time.Duration, err error)

// TokenCache is a single-slot access token cache. The mutex is held across the
// fetch so concurrent refreshes collapse into one round trip.
type TokenCache struct {
	mu            sync.Mutex
	token         string
	expiresAt     time.Time
	refreshMargin time.Duration
	clock         clock.Clock
}

func NewTokenCache(clk clock.Clock) *TokenCache {
	if clk == nil {
		clk = clock.New()
	}
	return &TokenCache{
		refreshMargin: defaultRefreshMargin,
		clock:         clk,
	}
}

func (c *TokenCache) Get(ctx context.Context, fetch TokenFetcher) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.validLocked() {
		return c.token, nil
	}

	token, ttl, err := fetch(ctx)
	if err != nil {
		return "", err
	}

	c.token = token
	c.expiresAt = c.clock.Now().Add(ttl)
	return c.token, nil
}

// Invalidate drops the cached token, e.g. after the provider answered 401.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

func (c *TokenCache) validLocked() bool {
	if c.token == "" {
		return false
	}
	return c.clock.Now().Before(c.expiresAt.Add(-c.refreshMargin))
}
