package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/roach88/tokenflow/internal/ir"
)

// Slot is the cache entry of one live instance. Mutating Instance requires
// holding the slot lock; the cancelled flag may be read without it.
type Slot struct {
	mu        sync.Mutex
	Instance  *ir.ProcessInstance
	Resolved  *Resolved
	cancelled atomic.Bool
	removed   atomic.Bool
}

// NewSlot wraps an instance and the specification it runs against.
func NewSlot(inst *ir.ProcessInstance, r *Resolved) *Slot {
	return &Slot{Instance: inst, Resolved: r}
}

func (s *Slot) Lock()   { s.mu.Lock() }
func (s *Slot) Unlock() { s.mu.Unlock() }

// MarkCancelled sets the cancellation flag. It returns false when the flag
// was already set.
func (s *Slot) MarkCancelled() bool {
	return s.cancelled.CompareAndSwap(false, true)
}

// Cancelled reports whether cancellation has been requested.
func (s *Slot) Cancelled() bool {
	return s.cancelled.Load()
}

type shard struct {
	lru *expirable.LRU[string, *Slot]
}

func newShard(size int, ttl time.Duration, onEvict func(string, *Slot)) *shard {
	return &shard{
		lru: expirable.NewLRU[string, *Slot](size, func(id string, s *Slot) {
			if s.removed.Load() {
				return
			}
			onEvict(id, s)
		}, ttl),
	}
}

// ShardOf maps an instance id onto [0, n).
func ShardOf(id string, n int) int {
	return int(xxhash.Sum64String(id) % uint64(n))
}

func (c *Cache) shardFor(id string) *shard {
	return c.shards[ShardOf(id, len(c.shards))]
}

// Put stores a slot under its instance id, or refreshes its idle TTL when
// already present.
func (c *Cache) Put(slot *Slot) {
	c.shardFor(slot.Instance.ID).lru.Add(slot.Instance.ID, slot)
}

// Instance returns the slot of a live instance.
func (c *Cache) Instance(id string) (*Slot, bool) {
	return c.shardFor(id).lru.Get(id)
}

// Remove drops an instance without reporting it as evicted.
func (c *Cache) Remove(id string) bool {
	sh := c.shardFor(id)
	slot, ok := sh.lru.Peek(id)
	if !ok {
		return false
	}
	slot.removed.Store(true)
	return sh.lru.Remove(id)
}

// Len returns the number of live instances.
func (c *Cache) Len() int {
	n := 0
	for _, sh := range c.shards {
		n += sh.lru.Len()
	}
	return n
}
