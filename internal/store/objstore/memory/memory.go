// Copyright (C) 2025 The kvbd authors

// Package memory implements the objstore.Backend interface in process
// memory. It exists for tests and for benchmarking the layers above without
// a network in the way.
package memory

import (
	"fmt"
	"sync"

	"github.com/kvbd/kvbd/internal/store/objstore"
)

// Memory holds every segment as a byte slice in a map.
type Memory struct {
	mu       sync.RWMutex
	segments map[int64][]byte
}

func New() *Memory {
	return &Memory{
		segments: make(map[int64][]byte),
	}
}

func (m *Memory) Upload(seg int64, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.segments[seg] = cp

	return nil
}

func (m *Memory) DownloadAt(seg int64, buf []byte, offset int64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.segments[seg]
	if !ok {
		return fmt.Errorf("%w: segment %d", objstore.ErrNotFound, seg)
	}
	if offset+int64(len(buf)) > int64(len(data)) {
		return fmt.Errorf("segment %d: read of %d bytes at %d beyond size %d",
			seg, len(buf), offset, len(data))
	}

	copy(buf, data[offset:])

	return nil
}

func (m *Memory) Size(seg int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.segments[seg]
	if !ok {
		return 0, fmt.Errorf("%w: segment %d", objstore.ErrNotFound, seg)
	}

	return int64(len(data)), nil
}

func (m *Memory) Delete(seg int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.segments, seg)

	return nil
}

func (m *Memory) DeleteFrom(fromSeg int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for seg := range m.segments {
		if seg >= fromSeg && seg != objstore.CheckpointKey {
			delete(m.segments, seg)
		}
	}

	return nil
}
