// Package cache holds the execution context the executor runs from: admitted
// specifications keyed by content hash, and live process instances.
//
// The specification layer is a copy-on-write map behind an atomic pointer,
// so lookups never lock. The instance layer is split into shards by a hash of
// the instance id; each shard is an LRU with an idle TTL.
//
// Lookups never fall back to an external store. Reloading an evicted
// instance is the caller's job.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/tokenflow/internal/ir"
	"github.com/roach88/tokenflow/internal/metrics"
)

// BuildFunc produces a frozen specification on a cache miss.
type BuildFunc func(ctx context.Context) (*ir.Specification, error)

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMetrics records hits, misses and evictions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithCapacity bounds the number of live instances across all shards.
func WithCapacity(n int) Option {
	return func(c *Cache) { c.capacity = n }
}

// WithIdleTTL evicts instances not touched for d. Zero disables expiry.
func WithIdleTTL(d time.Duration) Option {
	return func(c *Cache) { c.idleTTL = d }
}

// WithShards sets the number of instance shards.
func WithShards(n int) Option {
	return func(c *Cache) { c.shardCount = n }
}

// WithEvictCallback is called with the id of every evicted instance.
func WithEvictCallback(fn func(id string, slot *Slot)) Option {
	return func(c *Cache) { c.onEvict = fn }
}

// Cache is the two-layer execution context cache.
type Cache struct {
	specs   atomic.Pointer[map[string]*Resolved]
	writeMu sync.Mutex // serialises spec layer writers

	shards     []*shard
	shardCount int
	capacity   int
	idleTTL    time.Duration
	onEvict    func(id string, slot *Slot)

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Defaults.
const (
	DefaultCapacity = 10000
	DefaultIdleTTL  = 30 * time.Minute
	DefaultShards   = 16
)

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		shardCount: DefaultShards,
		capacity:   DefaultCapacity,
		idleTTL:    DefaultIdleTTL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.shardCount < 1 {
		c.shardCount = 1
	}

	empty := make(map[string]*Resolved)
	c.specs.Store(&empty)

	perShard := max(c.capacity/c.shardCount, 1)
	c.shards = make([]*shard, c.shardCount)
	for i := range c.shards {
		c.shards[i] = newShard(perShard, c.idleTTL, c.evicted)
	}
	return c
}

// Specification returns the admitted specification with the given hash.
func (c *Cache) Specification(hash string) (*Resolved, bool) {
	r, ok := (*c.specs.Load())[hash]
	return r, ok
}

// Specifications returns the hashes of every admitted specification, sorted.
func (c *Cache) Specifications() []string {
	m := *c.specs.Load()
	hashes := make([]string, 0, len(m))
	for h := range m {
		hashes = append(hashes, h)
	}
	slices.Sort(hashes)
	return hashes
}

// Admit returns the specification cached under hash. On a miss it runs
// build, then Resolve, and stores the result; a hit returns the existing
// entry without rebuilding or revalidating. The bool reports a hit.
func (c *Cache) Admit(ctx context.Context, hash string, build BuildFunc) (*Resolved, bool, error) {
	if r, ok := c.Specification(hash); ok {
		c.metrics.SpecCache(true)
		return r, true, nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Another admission may have won while we waited.
	if r, ok := c.Specification(hash); ok {
		c.metrics.SpecCache(true)
		return r, true, nil
	}
	c.metrics.SpecCache(false)

	spec, err := build(ctx)
	if err != nil {
		return nil, false, err
	}
	spec.Hash = hash
	r, err := Resolve(spec)
	if err != nil {
		return nil, false, fmt.Errorf("admit %s: %w", spec.Root, err)
	}

	c.store(func(m map[string]*Resolved) { m[hash] = r })
	c.logger.Info("specification admitted", "root", spec.Root, "hash", hash,
		"tasks", len(spec.Tasks), "edges", len(spec.Edges))
	return r, false, nil
}

// Replace admits the specification under newHash and then drops oldHash.
// Instances already holding the old entry keep running against it.
func (c *Cache) Replace(ctx context.Context, oldHash, newHash string, build BuildFunc) (*Resolved, error) {
	r, _, err := c.Admit(ctx, newHash, build)
	if err != nil {
		return nil, err
	}
	if oldHash != newHash {
		c.Unload(oldHash)
	}
	return r, nil
}

// Unload drops a specification. It reports whether it was present.
func (c *Cache) Unload(hash string) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, ok := (*c.specs.Load())[hash]; !ok {
		return false
	}
	c.store(func(m map[string]*Resolved) { delete(m, hash) })
	c.logger.Info("specification unloaded", "hash", hash)
	return true
}

// store publishes a modified copy of the spec map. Callers hold writeMu.
func (c *Cache) store(mutate func(map[string]*Resolved)) {
	old := *c.specs.Load()
	next := make(map[string]*Resolved, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	mutate(next)
	c.specs.Store(&next)
}

func (c *Cache) evicted(id string, slot *Slot) {
	c.metrics.Eviction()
	c.logger.Debug("instance evicted", "instance_id", id)
	if c.onEvict != nil {
		c.onEvict(id, slot)
	}
}
