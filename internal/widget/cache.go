// Package widget resolves the "ephemeral yet cached for late Control
// attachment" tension around widget_frame messages: a bounded LRU with
// TTL, keyed by label, retaining the last frame seen per instance so a
// Control connection that attaches after a frame was produced still sees
// something current rather than nothing at all. Frames never reach
// either append-only sink — this cache is the only place a widget_frame
// payload is retained, and only for as long as its TTL.
package widget

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Frame is one cached widget_frame payload for a label.
type Frame struct {
	Data     json.RawMessage
	CachedAt time.Time
}

// Cache is a bounded LRU keyed by label, with a fixed TTL applied to every
// entry on write. Eviction (both LRU-over-capacity and TTL-expiry) is
// handled by the underlying expirable.LRU rather than a hand-rolled list.
// With a positive ttl, expirable.NewLRU starts one background goroutine
// that sweeps expired entries; reads also skip entries past their TTL.
type Cache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, Frame]
}

// NewCache returns a Cache bounded to capacity entries, each expiring ttl
// after it was last written. capacity/ttl come from the `[operations]`
// table per SPEC_FULL.md's Design Notes resolution.
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{lru: expirable.NewLRU[string, Frame](capacity, nil, ttl)}
}

// Put records the most recent frame for label, evicting the
// least-recently-used entry if the cache is at capacity.
func (c *Cache) Put(label string, data json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(label, Frame{Data: data, CachedAt: time.Now()})
}

// Get returns the most recent frame for label, or ok=false if nothing is
// cached or the cached frame has exceeded its TTL.
func (c *Cache) Get(label string) (Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(label)
}

// Labels returns every label with a live (non-expired) cached frame, for
// get_widget_manifest.
func (c *Cache) Labels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Forget removes label's cached frame, if any — called when an instance
// is removed so a stale frame never outlives its instance.
func (c *Cache) Forget(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(label)
}
