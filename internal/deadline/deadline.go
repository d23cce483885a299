// Package deadline caches each token's immutable on-chain deployment
// deadline and answers whether that deadline has passed.
package deadline

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ChainReader reads the deployment deadline for a token contract.
type ChainReader interface {
	DeploymentDeadline(ctx context.Context, contractAddr string) (int64, error)
}

// Cache is a permanent (never-expiring) cache of deployment deadlines,
// keyed by lowercased token address, mirroring spec §4.2's permanent-cache
// contract for immutable contract constants.
type Cache struct {
	reader ChainReader
	cache  *lru.Cache[string, int64]
	now    func() time.Time
}

// New constructs a Cache with room for size distinct tokens.
func New(reader ChainReader, size int) (*Cache, error) {
	if size <= 0 {
		size = 4096
	}
	c, err := lru.New[string, int64](size)
	if err != nil {
		return nil, fmt.Errorf("deadline: new lru: %w", err)
	}
	return &Cache{reader: reader, cache: c, now: time.Now}, nil
}

func normalize(token string) string { return strings.ToLower(token) }

// Deadline returns the cached deployment deadline for token, reading it from
// the chain on first miss. The read never repeats afterward.
func (c *Cache) Deadline(ctx context.Context, token string) (int64, error) {
	key := normalize(token)
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}

	v, err := c.reader.DeploymentDeadline(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("deadline: read deployment deadline: %w", err)
	}
	c.cache.Add(key, v)
	return v, nil
}

// IsExpired reports whether token's deployment deadline has already passed.
func (c *Cache) IsExpired(ctx context.Context, token string) (bool, error) {
	dl, err := c.Deadline(ctx, token)
	if err != nil {
		return false, err
	}
	return c.now().Unix() > dl, nil
}

// Clear removes every cached entry. Test use only.
func (c *Cache) Clear() {
	c.cache.Purge()
}
