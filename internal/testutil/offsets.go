// Package testutil holds deterministic helpers for seeding test archives.
package testutil

import "sync"

// OffsetClock hands out monotonic sequence offsets per partition.
//
// Explicit offsets reported through Observe raise the floor, so generated
// offsets never collide with hand-assigned ones.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type OffsetClock struct {
	mu   sync.Mutex
	last map[string]int64
}

// NewOffsetClock creates a clock whose first offset in every partition is 1.
func NewOffsetClock() *OffsetClock {
	return &OffsetClock{last: make(map[string]int64)}
}

// Next increments and returns the next offset for partition.
func (c *OffsetClock) Next(partition string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[partition]++
	return c.last[partition]
}

// Observe records an explicitly assigned offset. Lower offsets are ignored.
func (c *OffsetClock) Observe(partition string, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offset > c.last[partition] {
		c.last[partition] = offset
	}
}

// Current returns the last offset handed out or observed for partition.
func (c *OffsetClock) Current(partition string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[partition]
}

// Reset forgets every partition. The next call to Next returns 1.
func (c *OffsetClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.last)
}
