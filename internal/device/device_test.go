// Copyright (C) 2025 The kvbd authors

package device

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvbd/kvbd/internal/nbd"
	"github.com/kvbd/kvbd/internal/store"
	"github.com/kvbd/kvbd/internal/store/objstore/memory"
)

const (
	testBlockSize = 4096
	testSize      = 64 * testBlockSize

	fua  = nbd.CommandFlags(1)
	none = nbd.CommandFlags(0)
)

// writeCall is one recorded engine write.
type writeCall struct {
	records []store.Record
	durable bool
}

// fakeEngine is an in-memory engine recording every write, so tests can
// assert on batch content and durability flags.
type fakeEngine struct {
	mu     sync.Mutex
	data   map[string][]byte
	writes []writeCall

	getErr   error
	writeErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{data: make(map[string][]byte)}
}

func (f *fakeEngine) Get(key []byte) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.getErr != nil {
		return nil, false, f.getErr
	}

	val, ok := f.data[string(key)]
	if !ok {
		return nil, false, nil
	}

	cp := make([]byte, len(val))
	copy(cp, val)

	return cp, true, nil
}

func (f *fakeEngine) Write(batch *store.Batch, durable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return f.writeErr
	}

	records := batch.Records()
	for _, r := range records {
		if r.Tombstone {
			delete(f.data, string(r.Key))
			continue
		}
		cp := make([]byte, len(r.Value))
		copy(cp, r.Value)
		f.data[string(r.Key)] = cp
	}

	f.writes = append(f.writes, writeCall{records: records, durable: durable})

	return nil
}

func (f *fakeEngine) Flush() error { return nil }
func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.writes)
}

func (f *fakeEngine) lastWrite() writeCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.writes[len(f.writes)-1]
}

func attach(t *testing.T, engine Engine) *Device {
	t.Helper()

	d, err := Attach(engine, Options{
		BlockSize:   testBlockSize,
		Size:        testSize,
		Name:        "test",
		Description: "test device",
	})
	require.NoError(t, err)

	return d
}

func errnoOf(t *testing.T, err error) uint32 {
	t.Helper()

	var ne *nbd.Error
	require.ErrorAs(t, err, &ne)

	return ne.Errno
}

func block(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, testBlockSize)
}

func TestAttachRejectsBadGeometry(t *testing.T) {
	_, err := Attach(newFakeEngine(), Options{BlockSize: 0, Size: testSize})
	assert.Error(t, err)

	_, err = Attach(newFakeEngine(), Options{BlockSize: 3000, Size: testSize})
	assert.Error(t, err)

	_, err = Attach(newFakeEngine(), Options{BlockSize: testBlockSize, Size: testSize + 1})
	assert.Error(t, err)
}

func TestAttachInitializesSizeRecord(t *testing.T) {
	engine := newFakeEngine()
	d := attach(t, engine)

	assert.Equal(t, uint64(testSize), d.Size())

	require.Equal(t, 1, engine.writeCount())
	w := engine.lastWrite()
	assert.True(t, w.durable, "size record must be written durably")
	require.Len(t, w.records, 1)
	assert.Equal(t, sizeKey(), w.records[0].Key)
	assert.Equal(t, uint64(testSize), binary.LittleEndian.Uint64(w.records[0].Value))
}

func TestAttachSameSizeIsNoop(t *testing.T) {
	engine := newFakeEngine()
	attach(t, engine)
	before := engine.writeCount()

	d := attach(t, engine)
	assert.Equal(t, uint64(testSize), d.Size())
	assert.Equal(t, before, engine.writeCount())
}

func TestAttachGrows(t *testing.T) {
	engine := newFakeEngine()
	attach(t, engine)

	d, err := Attach(engine, Options{BlockSize: testBlockSize, Size: 2 * testSize})
	require.NoError(t, err)
	assert.Equal(t, uint64(2*testSize), d.Size())

	w := engine.lastWrite()
	assert.True(t, w.durable)
	assert.Equal(t, uint64(2*testSize), binary.LittleEndian.Uint64(w.records[0].Value))
}

func TestAttachRefusesShrink(t *testing.T) {
	engine := newFakeEngine()
	attach(t, engine)

	_, err := Attach(engine, Options{BlockSize: testBlockSize, Size: testSize / 2})
	assert.ErrorIs(t, err, ErrShrink)
}

func TestAttachRejectsCorruptSizeRecord(t *testing.T) {
	engine := newFakeEngine()
	engine.data[string(sizeKey())] = []byte("bogus")

	_, err := Attach(engine, Options{BlockSize: testBlockSize, Size: testSize})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestReadSparseIsZero(t *testing.T) {
	d := attach(t, newFakeEngine())

	buf, err := d.Read(0, 2*testBlockSize, none)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 2*testBlockSize), buf)
}

func TestReadZeroLength(t *testing.T) {
	d := attach(t, newFakeEngine())

	buf, err := d.Read(testBlockSize, 0, none)
	require.NoError(t, err)
	assert.Empty(t, buf)
}

func TestWriteReadRoundTrip(t *testing.T) {
	d := attach(t, newFakeEngine())

	data := append(block(0xaa), block(0xbb)...)
	require.NoError(t, d.Write(3*testBlockSize, data, none))

	buf, err := d.Read(3*testBlockSize, 2*testBlockSize, none)
	require.NoError(t, err)
	assert.Equal(t, data, buf)

	// Reading around the written range sees zeros next to the data.
	buf, err = d.Read(2*testBlockSize, 3*testBlockSize, none)
	require.NoError(t, err)
	assert.Equal(t, block(0), buf[:testBlockSize])
	assert.Equal(t, block(0xaa), buf[testBlockSize:2*testBlockSize])
}

func TestReadReturnsExactLength(t *testing.T) {
	d := attach(t, newFakeEngine())
	require.NoError(t, d.Write(0, block(0xcc), none))

	buf, err := d.Read(0, 100, none)
	require.NoError(t, err)
	require.Len(t, buf, 100)
	assert.Equal(t, bytes.Repeat([]byte{0xcc}, 100), buf)
}

func TestReadUnalignedLengthAcrossBlocks(t *testing.T) {
	d := attach(t, newFakeEngine())

	data := make([]byte, 2*testBlockSize)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, d.Write(0, data, none))

	buf, err := d.Read(0, testBlockSize+2048, none)
	require.NoError(t, err)
	assert.Equal(t, data[:testBlockSize+2048], buf)

	// Aligned offset into the second half, length ending mid-block.
	buf, err = d.Read(testBlockSize, 3000, none)
	require.NoError(t, err)
	assert.Equal(t, data[testBlockSize:testBlockSize+3000], buf)
}

func TestUnalignedOffsetRejected(t *testing.T) {
	d := attach(t, newFakeEngine())

	_, err := d.Read(1, testBlockSize, none)
	assert.Equal(t, nbd.ENOTSUP, errnoOf(t, err))

	err = d.Write(testBlockSize+7, block(0), none)
	assert.Equal(t, nbd.ENOTSUP, errnoOf(t, err))

	err = d.Trim(13, testBlockSize, none)
	assert.Equal(t, nbd.ENOTSUP, errnoOf(t, err))

	err = d.WriteZeroes(13, testBlockSize, none)
	assert.Equal(t, nbd.ENOTSUP, errnoOf(t, err))
}

func TestUnalignedWriteLengthRejected(t *testing.T) {
	d := attach(t, newFakeEngine())

	err := d.Write(0, make([]byte, testBlockSize+1), none)
	assert.Equal(t, nbd.ENOTSUP, errnoOf(t, err))
}

func TestOutOfRangeRejected(t *testing.T) {
	d := attach(t, newFakeEngine())

	// The addressable range extends past the device size by the reserved
	// region, offsets beyond that are rejected.
	limit := uint64(testSize) + reservedBlocks*testBlockSize

	_, err := d.Read(limit, testBlockSize, none)
	assert.Equal(t, nbd.ENOTSUP, errnoOf(t, err))

	_, err = d.Read(limit-testBlockSize, testBlockSize, none)
	assert.NoError(t, err)
}

func TestWriteFUAIsDurable(t *testing.T) {
	engine := newFakeEngine()
	d := attach(t, engine)

	require.NoError(t, d.Write(0, block(1), none))
	assert.False(t, engine.lastWrite().durable)

	require.NoError(t, d.Write(0, block(2), fua))
	assert.True(t, engine.lastWrite().durable)

	require.NoError(t, d.Trim(0, testBlockSize, fua))
	assert.True(t, engine.lastWrite().durable)
}

func TestWriteIsOneBatch(t *testing.T) {
	engine := newFakeEngine()
	d := attach(t, engine)

	data := append(block(1), append(block(2), block(3)...)...)
	require.NoError(t, d.Write(0, data, none))

	w := engine.lastWrite()
	require.Len(t, w.records, 3)
	for i, r := range w.records {
		assert.Equal(t, blockKey(uint64(i)), r.Key)
		assert.False(t, r.Tombstone)
	}
}

func TestTrimReadsBackAsZero(t *testing.T) {
	d := attach(t, newFakeEngine())

	require.NoError(t, d.Write(0, append(block(1), block(2)...), none))
	require.NoError(t, d.Trim(0, testBlockSize, none))

	buf, err := d.Read(0, 2*testBlockSize, none)
	require.NoError(t, err)
	assert.Equal(t, block(0), buf[:testBlockSize])
	assert.Equal(t, block(2), buf[testBlockSize:])
}

func TestWriteZeroesMatchesTrim(t *testing.T) {
	engine := newFakeEngine()
	d := attach(t, engine)

	require.NoError(t, d.Write(0, block(1), none))
	require.NoError(t, d.WriteZeroes(0, testBlockSize, none))

	w := engine.lastWrite()
	require.Len(t, w.records, 1)
	assert.True(t, w.records[0].Tombstone, "write zeroes must delete, not store zeros")

	buf, err := d.Read(0, testBlockSize, none)
	require.NoError(t, err)
	assert.Equal(t, block(0), buf)
}

func TestTrimPartialBlockCoversWholeBlocks(t *testing.T) {
	engine := newFakeEngine()
	d := attach(t, engine)

	require.NoError(t, d.Trim(0, testBlockSize+1, none))

	w := engine.lastWrite()
	assert.Len(t, w.records, 2, "a partial block trim covers the whole block")
}

func TestCorruptBlockDetected(t *testing.T) {
	engine := newFakeEngine()
	d := attach(t, engine)

	engine.data[string(blockKey(0))] = []byte("short")

	_, err := d.Read(0, testBlockSize, none)
	assert.Equal(t, nbd.EINVAL, errnoOf(t, err))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestEngineIOFailureMapsToEIO(t *testing.T) {
	engine := newFakeEngine()
	d := attach(t, engine)

	engine.mu.Lock()
	engine.getErr = fmt.Errorf("%w: backend gone", store.ErrIO)
	engine.mu.Unlock()

	_, err := d.Read(0, testBlockSize, none)
	assert.Equal(t, nbd.EIO, errnoOf(t, err))
}

func TestUnsupportedCommands(t *testing.T) {
	d := attach(t, newFakeEngine())

	assert.Equal(t, nbd.ENOTSUP, errnoOf(t, d.Cache(0, testBlockSize, none)))
	assert.Equal(t, nbd.ENOTSUP, errnoOf(t, d.BlockStatus(0, testBlockSize, none)))
	assert.Equal(t, nbd.ENOTSUP, errnoOf(t, d.Resize(2*testSize, none)))
}

func TestExportMetadata(t *testing.T) {
	d := attach(t, newFakeEngine())

	assert.Equal(t, "test", d.Name())
	assert.Equal(t, "test device", d.Description())
	assert.False(t, d.ReadOnly())

	min, preferred, max := d.BlockSize()
	assert.Equal(t, uint32(testBlockSize), min)
	assert.Equal(t, uint32(testBlockSize), preferred)
	assert.Equal(t, uint32(testBlockSize), max)

	features := d.Features()
	assert.NotZero(t, features&nbd.FeatureFlush)
	assert.NotZero(t, features&nbd.FeatureFUA)
	assert.NotZero(t, features&nbd.FeatureTrim)
	assert.NotZero(t, features&nbd.FeatureWriteZeroes)
	assert.NotZero(t, features&nbd.FeatureMultiConn)
	assert.Zero(t, features&nbd.FeatureResize)
}

func TestBlockKeyMapping(t *testing.T) {
	// Data keys start after the reserved metadata region.
	assert.Equal(t, uint64(reservedBlocks), binary.LittleEndian.Uint64(blockKey(0)))
	assert.Equal(t, uint64(reservedBlocks+5), binary.LittleEndian.Uint64(blockKey(5)))

	// The size record lives at the raw zero key.
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(sizeKey()))
}

// The whole stack against the real store with the in-memory backend,
// including a restart.
func TestDeviceOnStore(t *testing.T) {
	backend := memory.New()

	open := func(size uint64) (*store.Store, *Device, error) {
		st, err := store.Open(backend, store.Options{SkipCheckpoint: true})
		require.NoError(t, err)

		d, err := Attach(st, Options{BlockSize: testBlockSize, Size: size, Name: "kv"})
		return st, d, err
	}

	st, d, err := open(testSize)
	require.NoError(t, err)

	require.NoError(t, d.Write(0, block(0x11), fua))
	require.NoError(t, d.Write(5*testBlockSize, block(0x55), fua))
	require.NoError(t, d.Trim(5*testBlockSize, testBlockSize, fua))
	require.NoError(t, st.Close())

	// Reattach grown. Data and the trim survive the restart.
	st, d, err = open(2 * testSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*testSize), d.Size())

	buf, err := d.Read(0, testBlockSize, none)
	require.NoError(t, err)
	assert.Equal(t, block(0x11), buf)

	buf, err = d.Read(5*testBlockSize, testBlockSize, none)
	require.NoError(t, err)
	assert.Equal(t, block(0), buf)

	require.NoError(t, st.Close())

	// A shrink attempt is refused and leaves the stored size alone.
	st, _, err = open(testSize)
	assert.ErrorIs(t, err, ErrShrink)
	require.NoError(t, st.Close())

	st, d, err = open(2 * testSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*testSize), d.Size())
	require.NoError(t, st.Close())
}

var _ nbd.Driver = (*Device)(nil)

var errBoom = errors.New("boom")

func TestUnknownEngineErrorMapsToEINVAL(t *testing.T) {
	engine := newFakeEngine()
	d := attach(t, engine)

	engine.mu.Lock()
	engine.getErr = errBoom
	engine.mu.Unlock()

	_, err := d.Read(0, testBlockSize, none)
	assert.Equal(t, nbd.EINVAL, errnoOf(t, err))
}
