// Copyright (C) 2025 The kvbd authors

// Package cache is a read-through value cache backed by a memory mapped
// file. Values live in fixed size slots, eviction is a simple clock sweep
// over the slot occupancy bitset. Every entry carries a caller supplied
// version tag, the caller compares it on lookup to reject values a
// concurrent write has superseded.
package cache

import (
	"fmt"
	"os"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/edsrzf/mmap-go"
)

// Cache maps user keys to slots of the mmaped file.
type Cache struct {
	file *os.File
	mm   mmap.MMap

	slotSize int64
	slots    uint

	mu      sync.Mutex
	index   map[uint64]uint
	keys    []uint64
	tags    []uint64
	lengths []int
	used    *bitset.BitSet
	hand    uint
}

// New creates the cache file at path, sized slots*slotSize, and maps it.
func New(path string, slots int, slotSize int64) (*Cache, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening cache file: %w", err)
	}

	if err := f.Truncate(int64(slots) * slotSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("allocating cache file: %w", err)
	}

	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping cache file: %w", err)
	}

	return &Cache{
		file:     f,
		mm:       mm,
		slotSize: slotSize,
		slots:    uint(slots),
		index:    make(map[uint64]uint, slots),
		keys:     make([]uint64, slots),
		tags:     make([]uint64, slots),
		lengths:  make([]int, slots),
		used:     bitset.New(uint(slots)),
	}, nil
}

// Get returns a copy of the cached value for the key together with the
// version tag it was stored under.
func (c *Cache) Get(key uint64) ([]byte, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.index[key]
	if !ok {
		return nil, 0, false
	}

	val := make([]byte, c.lengths[slot])
	copy(val, c.mm[int64(slot)*c.slotSize:])

	return val, c.tags[slot], true
}

// Put stores the value under the key and version tag, evicting whatever
// occupied the chosen slot. Values bigger than a slot are not cached.
func (c *Cache) Put(key uint64, tag uint64, val []byte) {
	if int64(len(val)) > c.slotSize {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.index[key]
	if !ok {
		slot = c.hand
		c.hand = (c.hand + 1) % c.slots

		if c.used.Test(slot) {
			delete(c.index, c.keys[slot])
		}
	}

	copy(c.mm[int64(slot)*c.slotSize:], val)
	c.index[key] = slot
	c.keys[slot] = key
	c.tags[slot] = tag
	c.lengths[slot] = len(val)
	c.used.Set(slot)
}

// Drop invalidates the key. Called on every write and delete of the key.
func (c *Cache) Drop(key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.index[key]
	if !ok {
		return
	}

	delete(c.index, key)
	c.used.Clear(slot)
}

// Close flushes and unmaps the cache file. The content is disposable, the
// file is removed.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.file.Name()

	flushErr := c.mm.Flush()
	unmapErr := c.mm.Unmap()
	closeErr := c.file.Close()
	os.Remove(path)

	if flushErr != nil {
		return flushErr
	}
	if unmapErr != nil {
		return unmapErr
	}

	return closeErr
}
