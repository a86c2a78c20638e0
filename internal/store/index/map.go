// Copyright (C) 2025 The kvbd authors

// Package index keeps the mapping from user keys to their current location
// in the segment log, together with the per segment live data accounting the
// garbage collector runs on.
package index

import (
	"encoding/binary"
	"fmt"
)

// Location of the current record of a key inside the segment log.
type Location struct {
	// Segment holding the record.
	Segment int64

	// Byte offset of the value within the segment.
	Offset int64

	// Value length in bytes. Zero for tombstones.
	Length int64
}

// Entry is one record of a segment as seen by the index. A tombstone entry
// removes the key.
type Entry struct {
	Key       uint64
	Loc       Location
	Tombstone bool
}

// Map is the plain, unsynchronized index implementation. All access has to
// go through the Proxy.
//
// Tombstones stay in the index until a later record for the same key
// supersedes them. They must, because a collected segment is replaced by an
// empty object, and a recovery roll forward over the older segments would
// otherwise resurrect the deleted key.
type Map struct {
	entries    map[uint64]Location
	tombstones map[uint64]struct{}

	// Live record weight per segment. A registered segment with zero
	// weight holds superseded data only and can be collected.
	live     map[int64]int64
	segments map[int64]struct{}
}

func NewMap() *Map {
	return &Map{
		entries:    make(map[uint64]Location),
		tombstones: make(map[uint64]struct{}),
		live:       make(map[int64]int64),
		segments:   make(map[int64]struct{}),
	}
}

// weight is the live accounting cost of a record. Tombstones weigh one byte
// so a segment holding an unsuperseded tombstone is never considered dead.
func weight(loc Location) int64 {
	if loc.Length == 0 {
		return 1
	}

	return loc.Length
}

// Apply applies the records of one segment in order.
func (m *Map) Apply(entries []Entry) {
	for _, e := range entries {
		m.segments[e.Loc.Segment] = struct{}{}

		if old, ok := m.entries[e.Key]; ok {
			m.live[old.Segment] -= weight(old)
		}

		m.entries[e.Key] = e.Loc
		m.live[e.Loc.Segment] += weight(e.Loc)

		if e.Tombstone {
			m.tombstones[e.Key] = struct{}{}
		} else {
			delete(m.tombstones, e.Key)
		}
	}
}

// ApplyIf applies only the records whose key still resolves to the matching
// origin location. The garbage collector relocates records with it without
// clobbering writes that raced the relocation.
func (m *Map) ApplyIf(entries []Entry, origins []Location) {
	for i, e := range entries {
		m.segments[e.Loc.Segment] = struct{}{}

		cur, ok := m.entries[e.Key]
		if !ok || cur != origins[i] {
			continue
		}

		m.live[cur.Segment] -= weight(cur)
		m.entries[e.Key] = e.Loc
		m.live[e.Loc.Segment] += weight(e.Loc)
	}
}

// Lookup returns the current location of the key. Tombstoned keys do not
// resolve.
func (m *Map) Lookup(key uint64) (Location, bool) {
	if _, dead := m.tombstones[key]; dead {
		return Location{}, false
	}

	loc, ok := m.entries[key]
	return loc, ok
}

// EntriesInSegments returns the records located in any of the given
// segments, tombstones included. Used by the threshold GC to relocate them.
func (m *Map) EntriesInSegments(segs map[int64]struct{}) []Entry {
	var found []Entry

	for key, loc := range m.entries {
		if _, ok := segs[loc.Segment]; !ok {
			continue
		}

		_, dead := m.tombstones[key]
		found = append(found, Entry{Key: key, Loc: loc, Tombstone: dead})
	}

	return found
}

// Utilization returns the live weight of every registered segment.
func (m *Map) Utilization() map[int64]int64 {
	util := make(map[int64]int64, len(m.segments))
	for seg := range m.segments {
		util[seg] = m.live[seg]
	}

	return util
}

// Dead returns all segments without any live records.
func (m *Map) Dead() map[int64]struct{} {
	dead := make(map[int64]struct{})
	for seg := range m.segments {
		if m.live[seg] <= 0 {
			dead[seg] = struct{}{}
		}
	}

	return dead
}

// DropSegments forgets the segments, typically after the dead GC emptied
// them.
func (m *Map) DropSegments(segs map[int64]struct{}) {
	for seg := range segs {
		delete(m.segments, seg)
		delete(m.live, seg)
	}
}

// MaxSegment returns the highest registered segment, or -1 when the index is
// empty.
func (m *Map) MaxSegment() int64 {
	max := int64(-1)
	for seg := range m.segments {
		if seg > max {
			max = seg
		}
	}

	return max
}

const (
	serializeVersion = 1

	entryTombstone = 1 << 0
)

// Serialize dumps the index together with the next unassigned segment
// sequence number into a checkpoint blob.
func (m *Map) Serialize(nextSeq int64) []byte {
	size := 4 + 8 + 8 + len(m.entries)*40 + 8 + len(m.segments)*8
	buf := make([]byte, 0, size)

	var scratch [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:], v)
		buf = append(buf, scratch[:]...)
	}

	var version [4]byte
	binary.LittleEndian.PutUint32(version[:], serializeVersion)
	buf = append(buf, version[:]...)

	put(uint64(nextSeq))

	put(uint64(len(m.entries)))
	for key, loc := range m.entries {
		var flags uint64
		if _, dead := m.tombstones[key]; dead {
			flags |= entryTombstone
		}

		put(key)
		put(flags)
		put(uint64(loc.Segment))
		put(uint64(loc.Offset))
		put(uint64(loc.Length))
	}

	put(uint64(len(m.segments)))
	for seg := range m.segments {
		put(uint64(seg))
	}

	return buf
}

// Deserialize replaces the index content with the checkpoint blob and
// returns the next unassigned segment sequence number.
func (m *Map) Deserialize(buf []byte) (int64, error) {
	take := func(n int) ([]byte, error) {
		if len(buf) < n {
			return nil, fmt.Errorf("checkpoint truncated, %d bytes missing", n-len(buf))
		}
		b := buf[:n]
		buf = buf[n:]
		return b, nil
	}

	head, err := take(4)
	if err != nil {
		return 0, err
	}
	if v := binary.LittleEndian.Uint32(head); v != serializeVersion {
		return 0, fmt.Errorf("unknown checkpoint version %d", v)
	}

	word := func() (uint64, error) {
		b, err := take(8)
		if err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b), nil
	}

	next, err := word()
	if err != nil {
		return 0, err
	}

	entries, err := word()
	if err != nil {
		return 0, err
	}

	m.entries = make(map[uint64]Location, entries)
	m.tombstones = make(map[uint64]struct{})
	m.live = make(map[int64]int64)
	m.segments = make(map[int64]struct{})

	for i := uint64(0); i < entries; i++ {
		rec, err := take(40)
		if err != nil {
			return 0, err
		}

		key := binary.LittleEndian.Uint64(rec)
		flags := binary.LittleEndian.Uint64(rec[8:])
		loc := Location{
			Segment: int64(binary.LittleEndian.Uint64(rec[16:])),
			Offset:  int64(binary.LittleEndian.Uint64(rec[24:])),
			Length:  int64(binary.LittleEndian.Uint64(rec[32:])),
		}

		m.entries[key] = loc
		m.live[loc.Segment] += weight(loc)
		m.segments[loc.Segment] = struct{}{}

		if flags&entryTombstone != 0 {
			m.tombstones[key] = struct{}{}
		}
	}

	segments, err := word()
	if err != nil {
		return 0, err
	}
	for i := uint64(0); i < segments; i++ {
		seg, err := word()
		if err != nil {
			return 0, err
		}
		m.segments[int64(seg)] = struct{}{}
	}

	return int64(next), nil
}
