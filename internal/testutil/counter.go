package testutil

import "sync"

// FakeCounter is a manually advanced cycle counter.
//
// A task callback calls Advance to simulate the cycles it consumes, so the
// budget enforcer sees exact before/after samples.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeCounter struct {
	mu  sync.Mutex
	now uint64
}

// NewFakeCounter creates a counter starting at 0.
func NewFakeCounter() *FakeCounter {
	return &FakeCounter{}
}

// Cycles returns the current sample.
func (c *FakeCounter) Cycles() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the counter forward by n cycles.
func (c *FakeCounter) Advance(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += n
}

// Reset sets the counter back to 0.
func (c *FakeCounter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = 0
}
