// Copyright (C) 2025 The kvbd authors

// Package device translates the block device operation set onto the
// key-value store. Every block maps to one storage key, unwritten blocks
// read as zeros and the per-command FUA flag maps to the durability flag of
// the batch write. The package owns the device size record kept in the
// reserved key region of the store.
package device

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/kvbd/kvbd/internal/nbd"
	"github.com/kvbd/kvbd/internal/store"
)

// Engine is the slice of the key-value store the device needs. Keys are
// fixed-width binary, batch writes are atomic, the durable flag makes the
// write survive a crash before it is acknowledged.
type Engine interface {
	Get(key []byte) ([]byte, bool, error)
	Write(batch *store.Batch, durable bool) error
	Flush() error
	Close() error
}

// Options for Attach().
type Options struct {
	// BlockSize must be a positive power of two. It is fixed for the
	// life of the backing store.
	BlockSize uint64

	// Size is the requested device size in bytes, a multiple of
	// BlockSize. A size larger than the stored one grows the device, a
	// smaller one fails the attach.
	Size uint64

	Name        string
	Description string
}

// Device is the block device exposed over the NBD server. It implements
// nbd.Driver. All operations may run concurrently, the only mutable shared
// state is the cached device size.
type Device struct {
	engine Engine

	blockSize uint64
	size      atomic.Uint64
	readOnly  bool

	name        string
	description string
}

// Attach runs the device size protocol against the store and returns the
// device. Any failure here is fatal to startup, not a per-request error.
func Attach(engine Engine, opts Options) (*Device, error) {
	if opts.BlockSize == 0 || opts.BlockSize&(opts.BlockSize-1) != 0 {
		return nil, fmt.Errorf("block size %d is not a power of two", opts.BlockSize)
	}
	if opts.Size%opts.BlockSize != 0 {
		return nil, fmt.Errorf("device size %d is not a multiple of block size %d",
			opts.Size, opts.BlockSize)
	}

	d := &Device{
		engine:      engine,
		blockSize:   opts.BlockSize,
		name:        opts.Name,
		description: opts.Description,
	}

	if err := d.setSize(opts.Size); err != nil {
		return nil, fmt.Errorf("attaching device: %w", err)
	}

	log.Info().
		Uint64("size", d.size.Load()).
		Uint64("block_size", d.blockSize).
		Msg("Device attached")

	return d, nil
}

// validate checks that the byte offset is block-aligned and inside the
// addressable range, using the current cached device size.
func (d *Device) validate(offset uint64) error {
	if offset%d.blockSize != 0 {
		return fmt.Errorf("%w: offset %d, block size %d", ErrUnaligned, offset, d.blockSize)
	}
	if offset >= d.size.Load()+reservedBlocks*d.blockSize {
		return fmt.Errorf("%w: offset %d", ErrOutOfRange, offset)
	}

	return nil
}

// blockRange converts a byte range to its covering block range. Lengths need
// not be block-aligned, storage operations are whole-block, hence the
// ceiling division.
func (d *Device) blockRange(offset uint64, length uint32) (start, count uint64) {
	start = offset / d.blockSize
	count = (uint64(length) + d.blockSize - 1) / d.blockSize

	return start, count
}

// Read returns exactly length bytes starting at offset. Blocks without a
// stored entry are synthesized as zeros, a stored entry of the wrong length
// is corruption, never truncated or padded.
func (d *Device) Read(offset uint64, length uint32, _ nbd.CommandFlags) ([]byte, error) {
	if err := d.validate(offset); err != nil {
		return nil, protocolError(err)
	}
	if length == 0 {
		return []byte{}, nil
	}

	start, count := d.blockRange(offset, length)
	buf := make([]byte, count*d.blockSize)

	var g errgroup.Group
	for i := uint64(0); i < count; i++ {
		i := i
		g.Go(func() error {
			block := start + i

			val, ok, err := d.engine.Get(blockKey(block))
			if err != nil {
				return err
			}
			if !ok {
				// Sparse block, the buffer is already zeroed.
				return nil
			}
			if uint64(len(val)) != d.blockSize {
				return fmt.Errorf("%w: block %d holds %d bytes, want %d",
					ErrCorrupt, block, len(val), d.blockSize)
			}

			copy(buf[i*d.blockSize:], val)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, protocolError(err)
	}

	if uint64(len(buf)) < uint64(length) {
		return nil, protocolError(fmt.Errorf("%w: assembled %d bytes for a %d byte read",
			ErrCorrupt, len(buf), length))
	}

	return buf[:length], nil
}

// Write stores data at offset as one atomic batch. The data length must be
// a whole number of blocks, partial-block writes are the business of a
// read-modify-write layer above, not of this adapter.
func (d *Device) Write(offset uint64, data []byte, flags nbd.CommandFlags) error {
	if err := d.validate(offset); err != nil {
		return protocolError(err)
	}
	if uint64(len(data))%d.blockSize != 0 {
		return protocolError(fmt.Errorf("%w: write of %d bytes, block size %d",
			ErrUnaligned, len(data), d.blockSize))
	}
	if len(data) == 0 {
		return nil
	}

	start := offset / d.blockSize
	batch := store.NewBatch()

	for i := uint64(0); i < uint64(len(data))/d.blockSize; i++ {
		chunk := data[i*d.blockSize : (i+1)*d.blockSize]
		batch.Put(blockKey(start+i), chunk)
	}

	if err := d.engine.Write(batch, flags.FUA()); err != nil {
		return protocolError(err)
	}

	return nil
}

// deleteRange removes every key in the covered block range as one atomic
// batch. Because unwritten blocks read as zero, this serves both trim and
// write-zeroes.
func (d *Device) deleteRange(offset uint64, length uint32, flags nbd.CommandFlags) error {
	if err := d.validate(offset); err != nil {
		return protocolError(err)
	}
	if length == 0 {
		return nil
	}

	start, count := d.blockRange(offset, length)
	batch := store.NewBatch()

	for i := uint64(0); i < count; i++ {
		batch.Delete(blockKey(start + i))
	}

	if err := d.engine.Write(batch, flags.FUA()); err != nil {
		return protocolError(err)
	}

	return nil
}

// Trim discards the byte range.
func (d *Device) Trim(offset uint64, length uint32, flags nbd.CommandFlags) error {
	return d.deleteRange(offset, length, flags)
}

// WriteZeroes zeroes the byte range. Indistinguishable from Trim at the
// storage layer, the store is sparse.
func (d *Device) WriteZeroes(offset uint64, length uint32, flags nbd.CommandFlags) error {
	return d.deleteRange(offset, length, flags)
}

// Flush makes all previously accepted writes durable and blocks until the
// engine confirms.
func (d *Device) Flush(_ nbd.CommandFlags) error {
	if err := d.engine.Flush(); err != nil {
		return protocolError(err)
	}

	return nil
}

// Cache hints are not supported.
func (d *Device) Cache(_ uint64, _ uint32, _ nbd.CommandFlags) error {
	return protocolError(fmt.Errorf("%w: cache", ErrNotSupported))
}

// BlockStatus queries are not supported.
func (d *Device) BlockStatus(_ uint64, _ uint32, _ nbd.CommandFlags) error {
	return protocolError(fmt.Errorf("%w: block status", ErrNotSupported))
}

// Resize is not supported over the wire. Growing happens through the size
// protocol at attach time.
func (d *Device) Resize(_ uint64, _ nbd.CommandFlags) error {
	return protocolError(fmt.Errorf("%w: resize", ErrNotSupported))
}

// Disconnect releases the underlying store. Called exactly once per
// session, durability of already flushed data does not depend on it.
func (d *Device) Disconnect() error {
	return d.engine.Close()
}

// Name returns the canonical export name.
func (d *Device) Name() string {
	return d.name
}

// Description returns a human readable description of the export.
func (d *Device) Description() string {
	return d.description
}

// ReadOnly reports whether the device rejects writes. Reserved, currently
// always false.
func (d *Device) ReadOnly() bool {
	return d.readOnly
}

// BlockSize returns the block size as minimal, preferred and maximal.
// Arbitrary block sizes would need offset slicing logic, which this device
// deliberately does not have.
func (d *Device) BlockSize() (min, preferred, max uint32) {
	bs := uint32(d.blockSize)
	return bs, bs, bs
}

// Size returns the current device size in bytes.
func (d *Device) Size() uint64 {
	return d.size.Load()
}

// Features returns the advertised capability set. Resize, cache and block
// status stay off.
func (d *Device) Features() nbd.Feature {
	return nbd.FeatureFlush |
		nbd.FeatureFUA |
		nbd.FeatureTrim |
		nbd.FeatureWriteZeroes |
		nbd.FeatureMultiConn
}
