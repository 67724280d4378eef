package utxo

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/kasdapp/kdapp-go/kdapp/txn"
	"golang.org/x/sync/singleflight"
)

const (
	MinCacheTTL = 100 * time.Millisecond
	MaxCacheTTL = 2 * time.Second
)

type cacheEntry struct {
	fetched time.Time
	entries []txn.UtxoEntry
}

// Cache is a short lived per address query cache in front of a Source. It
// absorbs bursts of identical queries; concurrent misses for one address
// share a single ledger call.
type Cache struct {
	src   Source
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	ttl     time.Duration
	entries map[txn.Address]cacheEntry
}

// NewCache clamps ttl to [MinCacheTTL, MaxCacheTTL].
func NewCache(src Source, ttl time.Duration) *Cache {
	return &Cache{
		src:     src,
		now:     time.Now,
		ttl:     clampTTL(ttl),
		entries: map[txn.Address]cacheEntry{},
	}
}

func clampTTL(ttl time.Duration) time.Duration {
	return min(max(ttl, MinCacheTTL), MaxCacheTTL)
}

func (c *Cache) GetUtxosByAddress(ctx context.Context, addr txn.Address) ([]txn.UtxoEntry, error) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[addr]; ok && now.Sub(e.fetched) < c.ttl {
		c.mu.Unlock()
		return slices.Clone(e.entries), nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(addr.String(), func() (any, error) {
		fresh, err := c.src.GetUtxosByAddress(ctx, addr)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[addr] = cacheEntry{fetched: now, entries: fresh}
		c.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]txn.UtxoEntry)), nil
}

func (c *Cache) InvalidateAddress(addr txn.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, addr)
}

// InvalidateOutpoint drops every cached address that reports op.
func (c *Cache) InvalidateOutpoint(op txn.Outpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, e := range c.entries {
		if slices.ContainsFunc(e.entries, func(u txn.UtxoEntry) bool { return u.Outpoint == op }) {
			delete(c.entries, addr)
		}
	}
}

func (c *Cache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = clampTTL(ttl)
}

func (c *Cache) TTL() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl
}
