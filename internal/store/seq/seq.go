// Copyright (C) 2025 The kvbd authors

// Package seq provides synchronized access to the segment sequence counter.
package seq

import (
	"sync"
)

// Counter hands out the monotonically increasing segment sequence. The
// continuity of the sequence is load bearing: recovery rolls the log forward
// until the first missing segment.
type Counter struct {
	mu   sync.Mutex
	next int64
}

// Current returns the value of the currently unassigned sequence number. It
// is forbidden to create a segment under this number without calling Next().
func (c *Counter) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.next
}

// Next returns the currently unassigned sequence number and increments, so
// the counter contains an unassigned number again.
func (c *Counter) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.next
	c.next++

	return n
}

// Replace sets the next unassigned sequence number. Used after restoring
// from a checkpoint.
func (c *Counter) Replace(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.next = n
}
