// Copyright (C) 2025 The kvbd authors

package store

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvbd/kvbd/internal/store/index"
	"github.com/kvbd/kvbd/internal/store/objstore"
	"github.com/kvbd/kvbd/internal/store/objstore/memory"
)

func openStore(t *testing.T, backend objstore.Backend, opts Options) *Store {
	t.Helper()

	opts.Uploaders = 2
	opts.Downloaders = 2

	s, err := Open(backend, opts)
	require.NoError(t, err)

	return s
}

func TestGetMissing(t *testing.T) {
	s := openStore(t, memory.New(), Options{SkipCheckpoint: true})

	_, ok, err := s.Get(key(1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetBadKey(t *testing.T) {
	s := openStore(t, memory.New(), Options{SkipCheckpoint: true})

	_, _, err := s.Get([]byte("not eight"))
	assert.Error(t, err)
}

func TestWriteAndGet(t *testing.T) {
	s := openStore(t, memory.New(), Options{SkipCheckpoint: true})

	b := NewBatch()
	b.Put(key(1), []byte("one"))
	b.Put(key(2), []byte("two"))
	require.NoError(t, s.Write(b, true))

	val, ok, err := s.Get(key(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("one"), val)

	val, ok, err = s.Get(key(2))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("two"), val)
}

func TestOverwrite(t *testing.T) {
	s := openStore(t, memory.New(), Options{SkipCheckpoint: true})

	b := NewBatch()
	b.Put(key(1), []byte("old"))
	require.NoError(t, s.Write(b, true))

	b = NewBatch()
	b.Put(key(1), []byte("new"))
	require.NoError(t, s.Write(b, true))

	val, ok, err := s.Get(key(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), val)
}

func TestDelete(t *testing.T) {
	s := openStore(t, memory.New(), Options{SkipCheckpoint: true})

	b := NewBatch()
	b.Put(key(1), []byte("one"))
	require.NoError(t, s.Write(b, true))

	b = NewBatch()
	b.Delete(key(1))
	require.NoError(t, s.Write(b, true))

	_, ok, err := s.Get(key(1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmptyBatch(t *testing.T) {
	s := openStore(t, memory.New(), Options{SkipCheckpoint: true})

	require.NoError(t, s.Write(NewBatch(), false))
	require.NoError(t, s.Write(NewBatch(), true))
}

// gatedBackend delays uploads until released, so tests can observe the store
// while segment uploads are in flight.
type gatedBackend struct {
	*memory.Memory
	gate chan struct{}
}

func (g *gatedBackend) Upload(seg int64, buf []byte) error {
	<-g.gate
	return g.Memory.Upload(seg, buf)
}

func TestPendingReads(t *testing.T) {
	backend := &gatedBackend{Memory: memory.New(), gate: make(chan struct{})}
	s := openStore(t, backend, Options{SkipCheckpoint: true})

	b := NewBatch()
	b.Put(key(1), []byte("pinned"))
	require.NoError(t, s.Write(b, false))

	// The upload is still blocked, the value must be served from memory.
	val, ok, err := s.Get(key(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("pinned"), val)

	close(backend.gate)
	require.NoError(t, s.Flush())

	// And from the backend after the upload landed.
	val, ok, err = s.Get(key(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("pinned"), val)
}

func TestPendingTombstone(t *testing.T) {
	backend := &gatedBackend{Memory: memory.New(), gate: make(chan struct{})}
	s := openStore(t, backend, Options{SkipCheckpoint: true})

	b := NewBatch()
	b.Delete(key(1))
	require.NoError(t, s.Write(b, false))

	_, ok, err := s.Get(key(1))
	require.NoError(t, err)
	assert.False(t, ok)

	close(backend.gate)
	require.NoError(t, s.Flush())
}

// failingBackend rejects every upload.
type failingBackend struct {
	*memory.Memory
}

func (f *failingBackend) Upload(seg int64, buf []byte) error {
	return errors.New("upload refused")
}

func TestFlushReportsUploadFailure(t *testing.T) {
	s := openStore(t, &failingBackend{Memory: memory.New()}, Options{SkipCheckpoint: true})

	b := NewBatch()
	b.Put(key(1), []byte("doomed"))
	err := s.Write(b, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIO)

	// The failure was consumed, the next flush is clean.
	require.NoError(t, s.Flush())
}

func TestRestoreRollForward(t *testing.T) {
	backend := memory.New()

	s := openStore(t, backend, Options{SkipCheckpoint: true})
	for i := uint64(1); i <= 5; i++ {
		b := NewBatch()
		b.Put(key(i), []byte{byte(i)})
		require.NoError(t, s.Write(b, false))
	}
	b := NewBatch()
	b.Delete(key(3))
	require.NoError(t, s.Write(b, false))
	require.NoError(t, s.Close())

	s = openStore(t, backend, Options{SkipCheckpoint: true})
	for i := uint64(1); i <= 5; i++ {
		val, ok, err := s.Get(key(i))
		require.NoError(t, err)
		if i == 3 {
			assert.False(t, ok, "deleted key resurrected by roll forward")
			continue
		}
		require.True(t, ok)
		assert.Equal(t, []byte{byte(i)}, val)
	}
}

func TestRestoreFromCheckpoint(t *testing.T) {
	backend := memory.New()

	s := openStore(t, backend, Options{})
	b := NewBatch()
	b.Put(key(1), []byte("checkpointed"))
	require.NoError(t, s.Write(b, true))
	require.NoError(t, s.Close())

	_, err := backend.Size(objstore.CheckpointKey)
	require.NoError(t, err, "close must have uploaded a checkpoint")

	s = openStore(t, backend, Options{})
	val, ok, err := s.Get(key(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("checkpointed"), val)

	// New segments continue after the checkpointed sequence.
	b = NewBatch()
	b.Put(key(2), []byte("later"))
	require.NoError(t, s.Write(b, true))

	val, ok, err = s.Get(key(2))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("later"), val)
}

func TestRestoreStopsAtMissingSegment(t *testing.T) {
	backend := memory.New()

	s := openStore(t, backend, Options{SkipCheckpoint: true})
	for i := uint64(0); i < 3; i++ {
		b := NewBatch()
		b.Put(key(i), []byte{byte(i)})
		require.NoError(t, s.Write(b, false))
	}
	require.NoError(t, s.Close())

	// Punch a hole into the sequence. Prefix consistency ends there,
	// everything after the hole has to be discarded on restore.
	require.NoError(t, backend.Delete(1))

	s = openStore(t, backend, Options{SkipCheckpoint: true})

	val, ok, err := s.Get(key(0))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0}, val)

	_, ok, err = s.Get(key(1))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Get(key(2))
	require.NoError(t, err)
	assert.False(t, ok)

	// The segment beyond the hole is gone from the backend as well.
	_, err = backend.Size(2)
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestDeadGC(t *testing.T) {
	backend := memory.New()
	s := openStore(t, backend, Options{SkipCheckpoint: true})

	b := NewBatch()
	b.Put(key(1), []byte("old"))
	require.NoError(t, s.Write(b, true))

	b = NewBatch()
	b.Put(key(1), []byte("new"))
	require.NoError(t, s.Write(b, true))

	s.removeNonReferencedDeadSegments()

	// The dead segment was emptied, not deleted. Recovery depends on the
	// continuity of the sequence.
	size, err := backend.Size(0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)

	require.NoError(t, s.Close())

	s = openStore(t, backend, Options{SkipCheckpoint: true})
	val, ok, err := s.Get(key(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), val)
}

func TestThresholdGC(t *testing.T) {
	backend := memory.New()
	s := openStore(t, backend, Options{SkipCheckpoint: true})

	b := NewBatch()
	b.Put(key(1), []byte("keep"))
	b.Put(key(2), []byte("stale"))
	require.NoError(t, s.Write(b, true))

	b = NewBatch()
	b.Put(key(2), []byte("fresh"))
	require.NoError(t, s.Write(b, true))

	b = NewBatch()
	b.Put(key(3), []byte("max segment, protected"))
	require.NoError(t, s.Write(b, true))

	// Both old segments sit far under the live data threshold and their
	// records get relocated into a fresh segment.
	s.gcThreshold(0.5)
	require.NoError(t, s.Flush())

	s.removeNonReferencedDeadSegments()

	for _, want := range []struct {
		key uint64
		val string
	}{{1, "keep"}, {2, "fresh"}, {3, "max segment, protected"}} {
		val, ok, err := s.Get(key(want.key))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want.val, string(val))
	}

	require.NoError(t, s.Close())

	// A restore over the collected log sees the same content.
	s = openStore(t, backend, Options{SkipCheckpoint: true})
	val, ok, err := s.Get(key(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("keep"), val)
}

// gatedDownloadBackend blocks one armed download until released and
// signals when the reader entered it.
type gatedDownloadBackend struct {
	*memory.Memory

	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedDownloadBackend) DownloadAt(seg int64, buf []byte, offset int64) error {
	g.mu.Lock()
	armed := g.armed
	g.armed = false
	g.mu.Unlock()

	if armed {
		g.entered <- struct{}{}
		<-g.gate
	}

	return g.Memory.DownloadAt(seg, buf, offset)
}

func TestRacedReadDoesNotPoisonCache(t *testing.T) {
	backend := &gatedDownloadBackend{
		Memory:  memory.New(),
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	s := openStore(t, backend, Options{
		SkipCheckpoint: true,
		CachePath:      t.TempDir() + "/cache",
		CacheSlots:     16,
		CacheSlotSize:  4096,
	})

	b := NewBatch()
	b.Put(key(1), []byte("AAAA"))
	require.NoError(t, s.Write(b, true))

	backend.mu.Lock()
	backend.armed = true
	backend.mu.Unlock()

	got := make(chan []byte)
	go func() {
		val, ok, err := s.Get(key(1))
		assert.NoError(t, err)
		assert.True(t, ok)
		got <- val
	}()

	// The read is parked inside the backend download. Overwrite the key
	// durably while the old value is still on its way out.
	<-backend.entered
	b = NewBatch()
	b.Put(key(1), []byte("BBBB"))
	require.NoError(t, s.Write(b, true))

	close(backend.gate)
	assert.Equal(t, []byte("AAAA"), <-got)

	// The raced read repopulated the cache with the old value. The value
	// lengths are equal, only the version tag can tell them apart, and
	// the acknowledged write must win.
	val, ok, err := s.Get(key(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("BBBB"), val)

	require.NoError(t, s.Close())
}

// gatedUploadBackend holds the upload of one chosen segment until released.
type gatedUploadBackend struct {
	*memory.Memory

	mu      sync.Mutex
	heldSeg int64
	gate    chan struct{}
}

func (g *gatedUploadBackend) Upload(seg int64, buf []byte) error {
	g.mu.Lock()
	held := seg == g.heldSeg
	g.mu.Unlock()

	if held {
		<-g.gate
	}

	return g.Memory.Upload(seg, buf)
}

func TestSkippedRelocationDoesNotShadowNewerWrite(t *testing.T) {
	backend := &gatedUploadBackend{
		Memory:  memory.New(),
		heldSeg: -100,
		gate:    make(chan struct{}),
	}
	s := openStore(t, backend, Options{SkipCheckpoint: true})

	b := NewBatch()
	b.Put(key(1), []byte("old!"))
	require.NoError(t, s.Write(b, true))

	origin, ok := s.index.Lookup(1)
	require.True(t, ok)

	b = NewBatch()
	b.Put(key(1), []byte("new!"))
	require.NoError(t, s.Write(b, true))

	// Replay the relocation the threshold GC would finish after losing
	// the race: the copied old value lands in a fresh segment whose
	// upload is still in flight and the conditional apply skips the key.
	// The pin of that skipped relocation must not shadow the index.
	backend.mu.Lock()
	backend.heldSeg = 2
	backend.mu.Unlock()

	b = NewBatch()
	b.Put(key(1), []byte("old!"))
	require.NoError(t, s.submitSegment(b, func(entries []index.Entry) {
		s.index.ApplyIf(entries, []index.Location{origin})
	}))

	val, ok, err := s.Get(key(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("new!"), val)

	close(backend.gate)
	require.NoError(t, s.Flush())

	val, ok, err = s.Get(key(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("new!"), val)
}

func TestConcurrentWritesAndFlushes(t *testing.T) {
	s := openStore(t, memory.New(), Options{SkipCheckpoint: true})

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b := NewBatch()
				b.Put(key(uint64(g*50+i)), []byte{byte(g), byte(i)})
				assert.NoError(t, s.Write(b, false))
			}
		}()
	}
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, s.Flush())
			}
		}()
	}
	wg.Wait()

	require.NoError(t, s.Flush())
	for k := uint64(0); k < 200; k++ {
		_, ok, err := s.Get(key(k))
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

// countingBackend counts value downloads so cache hits are observable.
type countingBackend struct {
	*memory.Memory

	mu        sync.Mutex
	downloads int
}

func (c *countingBackend) DownloadAt(seg int64, buf []byte, offset int64) error {
	c.mu.Lock()
	c.downloads++
	c.mu.Unlock()

	return c.Memory.DownloadAt(seg, buf, offset)
}

func TestReadCache(t *testing.T) {
	backend := &countingBackend{Memory: memory.New()}
	s := openStore(t, backend, Options{
		SkipCheckpoint: true,
		CachePath:      t.TempDir() + "/cache",
		CacheSlots:     16,
		CacheSlotSize:  4096,
	})

	b := NewBatch()
	b.Put(key(1), []byte("cached"))
	require.NoError(t, s.Write(b, true))

	val, ok, err := s.Get(key(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("cached"), val)

	backend.mu.Lock()
	after := backend.downloads
	backend.mu.Unlock()

	// The second read is served from the cache.
	val, ok, err = s.Get(key(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("cached"), val)

	backend.mu.Lock()
	assert.Equal(t, after, backend.downloads)
	backend.mu.Unlock()

	// A write invalidates the cached value.
	b = NewBatch()
	b.Put(key(1), []byte("newer"))
	require.NoError(t, s.Write(b, true))

	val, ok, err = s.Get(key(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("newer"), val)

	require.NoError(t, s.Close())
}
