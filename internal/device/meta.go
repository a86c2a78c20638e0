// Copyright (C) 2025 The kvbd authors

package device

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/kvbd/kvbd/internal/store"
)

// sizeRecordLen is the exact length of the stored device size record. A
// record of any other length is corruption, never interpreted.
const sizeRecordLen = 8

// setSize runs the device size protocol against the store: initialize on
// first attach, no-op on an idempotent re-attach, grow when the requested
// size is larger. Shrinking is refused, there is no mechanism to safely
// release published address ranges.
func (d *Device) setSize(requested uint64) error {
	raw, ok, err := d.engine.Get(sizeKey())
	if err != nil {
		return fmt.Errorf("reading size record: %w", err)
	}

	if !ok {
		if err := d.writeSize(requested); err != nil {
			return err
		}
		d.size.Store(requested)
		return nil
	}

	if len(raw) != sizeRecordLen {
		return fmt.Errorf("%w: size record of %d bytes, want %d",
			ErrCorrupt, len(raw), sizeRecordLen)
	}

	stored := binary.LittleEndian.Uint64(raw)

	switch {
	case requested == stored:
		d.size.Store(stored)

	case requested > stored:
		if err := d.writeSize(requested); err != nil {
			return err
		}
		d.size.Store(requested)
		log.Info().Uint64("from", stored).Uint64("to", requested).Msg("Device grown")

	default:
		return fmt.Errorf("%w: stored size %d bytes, requested %d",
			ErrShrink, stored, requested)
	}

	return nil
}

// writeSize durably persists the size record. The in-memory cache is
// refreshed by the caller only after this succeeded, a torn update must not
// become visible.
func (d *Device) writeSize(size uint64) error {
	record := make([]byte, sizeRecordLen)
	binary.LittleEndian.PutUint64(record, size)

	batch := store.NewBatch()
	batch.Put(sizeKey(), record)

	if err := d.engine.Write(batch, true); err != nil {
		return fmt.Errorf("writing size record: %w", err)
	}

	return nil
}
