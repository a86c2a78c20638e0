// Copyright (C) 2025 The kvbd authors

package store

// Record is one put or delete inside a batch.
type Record struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Batch collects puts and deletes which are applied to the store as one
// atomic unit: the whole batch lands in a single segment, so recovery either
// replays all of it or none of it.
//
// The batch keeps references to the provided slices, the caller must not
// modify them after handing the batch to the store.
type Batch struct {
	records []Record
}

func NewBatch() *Batch {
	return &Batch{}
}

// Put adds a write of value under key.
func (b *Batch) Put(key, value []byte) {
	b.records = append(b.records, Record{Key: key, Value: value})
}

// Delete adds a tombstone for key.
func (b *Batch) Delete(key []byte) {
	b.records = append(b.records, Record{Key: key, Tombstone: true})
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int {
	return len(b.records)
}

// Records exposes the batch content in insertion order.
func (b *Batch) Records() []Record {
	return b.records
}
