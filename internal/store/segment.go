// Copyright (C) 2025 The kvbd authors

package store

import (
	"encoding/binary"
	"fmt"

	"github.com/kvbd/kvbd/internal/store/index"
)

// Segment layout:
//
//	u64 record count
//	count * { u64 key, u64 flags, u64 value length }
//	values, concatenated in record order
//
// All integers little-endian. The descriptor region is enough to rebuild the
// index during recovery, the values are only read back on demand.
const (
	segHeaderSize     = 8
	segDescriptorSize = 24

	recTombstone = 1 << 0
)

// encodeSegment serializes the batch into one segment blob and returns the
// index entries describing where each record ended up.
func encodeSegment(b *Batch, seg int64) ([]byte, []index.Entry, error) {
	count := len(b.records)

	size := segHeaderSize + count*segDescriptorSize
	for _, r := range b.records {
		size += len(r.Value)
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf, uint64(count))

	entries := make([]index.Entry, count)

	desc := segHeaderSize
	data := segHeaderSize + count*segDescriptorSize
	for i, r := range b.records {
		key, err := keyWord(r.Key)
		if err != nil {
			return nil, nil, err
		}

		var flags uint64
		if r.Tombstone {
			flags |= recTombstone
		}

		binary.LittleEndian.PutUint64(buf[desc:], key)
		binary.LittleEndian.PutUint64(buf[desc+8:], flags)
		binary.LittleEndian.PutUint64(buf[desc+16:], uint64(len(r.Value)))
		desc += segDescriptorSize

		copy(buf[data:], r.Value)

		entries[i] = index.Entry{
			Key: key,
			Loc: index.Location{
				Segment: seg,
				Offset:  int64(data),
				Length:  int64(len(r.Value)),
			},
			Tombstone: r.Tombstone,
		}
		data += len(r.Value)
	}

	return buf, entries, nil
}

// decodeSegmentHeader rebuilds the index entries of a segment from its
// descriptor region. Used by the recovery roll forward, which never needs
// the values themselves.
func decodeSegmentHeader(seg int64, head []byte, segSize int64) ([]index.Entry, error) {
	if len(head) < segHeaderSize {
		return nil, fmt.Errorf("segment %d: header of %d bytes", seg, len(head))
	}

	count := binary.LittleEndian.Uint64(head)
	descEnd := segHeaderSize + int64(count)*segDescriptorSize
	if descEnd > int64(len(head)) {
		return nil, fmt.Errorf("segment %d: %d records do not fit %d header bytes",
			seg, count, len(head))
	}

	entries := make([]index.Entry, count)

	desc := int64(segHeaderSize)
	data := descEnd
	for i := uint64(0); i < count; i++ {
		key := binary.LittleEndian.Uint64(head[desc:])
		flags := binary.LittleEndian.Uint64(head[desc+8:])
		length := int64(binary.LittleEndian.Uint64(head[desc+16:]))
		desc += segDescriptorSize

		if data+length > segSize {
			return nil, fmt.Errorf("segment %d: record %d of %d bytes beyond segment size %d",
				seg, i, length, segSize)
		}

		entries[i] = index.Entry{
			Key: key,
			Loc: index.Location{
				Segment: seg,
				Offset:  data,
				Length:  length,
			},
			Tombstone: flags&recTombstone != 0,
		}
		data += length
	}

	return entries, nil
}

// keyWord converts a fixed-width binary key to its numeric form. Every key
// in the store is exactly 8 bytes, little-endian.
func keyWord(key []byte) (uint64, error) {
	if len(key) != 8 {
		return 0, fmt.Errorf("key of %d bytes, want 8", len(key))
	}

	return binary.LittleEndian.Uint64(key), nil
}
