// Copyright (C) 2025 The kvbd authors

// Package store is a log-structured key-value store on top of an object
// storage backend. Every write batch becomes one immutable segment object,
// an in-memory index maps keys to their current segment location, and
// recovery rolls the segment sequence forward from the last checkpoint.
//
// The store defines two interfaces worth swapping: the objstore.Backend for
// the segment storage (s3, gcs, memory) and, through Options, the read
// cache. Durability is per batch: a durable write is acknowledged only after
// its segment and all earlier segments are uploaded.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kvbd/kvbd/internal/store/cache"
	"github.com/kvbd/kvbd/internal/store/index"
	"github.com/kvbd/kvbd/internal/store/objstore"
	"github.com/kvbd/kvbd/internal/store/seq"
)

// Failure categories surfaced to the layer above. Everything the backend
// reports is an I/O failure, ErrUnsupported covers operations the configured
// backend cannot serve.
var (
	ErrIO          = errors.New("backend i/o failure")
	ErrUnsupported = errors.New("operation not supported by backend")
)

// Options for Open().
type Options struct {
	// Worker pool sizes of the objstore proxy.
	Uploaders   int
	Downloaders int

	// Target segment size, used by the threshold GC as the utilization
	// denominator.
	SegmentSize int64

	// Skip restoring from and creating the index checkpoint.
	SkipCheckpoint bool

	// Read cache. Empty path disables it.
	CachePath     string
	CacheSlots    int
	CacheSlotSize int64

	// Dead segment GC period and threshold GC live data ratio.
	GCWait      time.Duration
	GCLiveRatio float64
}

func (o *Options) withDefaults() {
	if o.Uploaders == 0 {
		o.Uploaders = 16
	}
	if o.Downloaders == 0 {
		o.Downloaders = 16
	}
	if o.SegmentSize == 0 {
		o.SegmentSize = 4 * 1024 * 1024
	}
	if o.CacheSlotSize == 0 {
		o.CacheSlotSize = 4096
	}
	if o.GCWait == 0 {
		o.GCWait = 600 * time.Second
	}
	if o.GCLiveRatio == 0 {
		o.GCLiveRatio = 0.3
	}
}

// pendingKey identifies one pinned record, the key together with the
// segment carrying it. A key can be pinned by several in-flight segments
// at once, a write racing a GC relocation of the same key being the usual
// way.
type pendingKey struct {
	key uint64
	seg int64
}

// pendingValue pins the data of a not yet uploaded segment in memory so
// reads see it without touching the backend.
type pendingValue struct {
	value     []byte
	tombstone bool
}

// Store implements the engine. It is safe for concurrent use.
type Store struct {
	objects *objstore.Proxy
	index   *index.Proxy
	seq     seq.Counter
	cache   *cache.Cache
	opts    Options

	// Pinned data of segments whose upload is still in flight.
	pendingMu   sync.Mutex
	pendingVals map[pendingKey]pendingValue
	pendingSegs map[int64]struct{}

	// In-flight upload count and the first asynchronous upload failure.
	// The count lives under the mutex so Flush cannot race a concurrent
	// submission, the failure is handed out by the next Flush.
	upMu      sync.Mutex
	upCond    *sync.Cond
	inflight  int
	uploadErr error

	// Reference counter of segments which are actually being downloaded
	// and hence must not be collected.
	refMu      sync.Mutex
	refcounter map[int64]int64

	stopGC    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open restores the store from the backend and starts the GC. Any failure
// here is fatal, a store which cannot recover its index must not serve.
func Open(backend objstore.Backend, opts Options) (*Store, error) {
	opts.withDefaults()

	s := &Store{
		objects:     objstore.NewProxy(backend, opts.Uploaders, opts.Downloaders),
		index:       index.NewProxy(index.NewMap()),
		opts:        opts,
		pendingVals: make(map[pendingKey]pendingValue),
		pendingSegs: make(map[int64]struct{}),
		refcounter:  make(map[int64]int64),
		stopGC:      make(chan struct{}),
	}
	s.upCond = sync.NewCond(&s.upMu)

	if opts.CachePath != "" {
		c, err := cache.New(opts.CachePath, opts.CacheSlots, opts.CacheSlotSize)
		if err != nil {
			return nil, fmt.Errorf("opening read cache: %w", err)
		}
		s.cache = c
	}

	if err := s.restore(); err != nil {
		return nil, err
	}

	s.registerSigUSR1Handler()
	go s.gcDead()

	return s, nil
}

// Get returns the current value of the key. The second return value is
// false when the key does not exist, which is not an error.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	k, err := keyWord(key)
	if err != nil {
		return nil, false, err
	}

	loc, ok := s.index.Lookup(k)
	if !ok {
		return nil, false, nil
	}

	// Data of not yet uploaded segments is served from memory. Only the
	// pin of the segment the index points at is current, the conditional
	// GC apply leaves pins of skipped relocations behind until their
	// upload finishes and those must never shadow a newer write.
	s.pendingMu.Lock()
	if p, ok := s.pendingVals[pendingKey{k, loc.Segment}]; ok {
		s.pendingMu.Unlock()
		if p.tombstone {
			return nil, false, nil
		}
		val := make([]byte, len(p.value))
		copy(val, p.value)
		return val, true, nil
	}
	s.pendingMu.Unlock()

	// Cached values carry the segment they came from. Block values all
	// share one length, so the length alone cannot tell a superseded
	// version from the current one.
	if s.cache != nil {
		if val, tag, ok := s.cache.Get(k); ok && tag == uint64(loc.Segment) && int64(len(val)) == loc.Length {
			return val, true, nil
		}
	}

	s.refIncrement(loc.Segment)
	defer s.refDecrement(loc.Segment)

	val := make([]byte, loc.Length)
	if err := s.objects.Download(loc.Segment, val, loc.Offset, true); err != nil {
		return nil, false, fmt.Errorf("%w: reading segment %d: %v", ErrIO, loc.Segment, err)
	}

	if s.cache != nil {
		s.cache.Put(k, uint64(loc.Segment), val)
	}

	return val, true, nil
}

// Write applies the batch atomically. With durable set the call returns only
// after the batch and everything accepted before it is persisted, otherwise
// it returns once the segment upload is on its way.
func (s *Store) Write(b *Batch, durable bool) error {
	if b.Len() == 0 {
		if durable {
			return s.Flush()
		}
		return nil
	}

	if err := s.submitSegment(b, func(entries []index.Entry) {
		s.index.Apply(entries)
	}); err != nil {
		return err
	}

	if durable {
		return s.Flush()
	}

	return nil
}

// submitSegment encodes the batch into a fresh segment, pins its data,
// applies the index update through apply and uploads asynchronously.
func (s *Store) submitSegment(b *Batch, apply func(entries []index.Entry)) error {
	segNo := s.seq.Next()

	data, entries, err := encodeSegment(b, segNo)
	if err != nil {
		return err
	}

	s.pendingMu.Lock()
	s.pendingSegs[segNo] = struct{}{}
	for i, r := range b.records {
		s.pendingVals[pendingKey{entries[i].Key, segNo}] = pendingValue{
			value:     r.Value,
			tombstone: r.Tombstone,
		}
	}
	s.pendingMu.Unlock()

	if s.cache != nil {
		for _, e := range entries {
			s.cache.Drop(e.Key)
		}
	}

	apply(entries)

	s.upMu.Lock()
	s.inflight++
	s.upMu.Unlock()

	go func() {
		if err := s.objects.Upload(segNo, data, true); err != nil {
			log.Info().Err(err).Int64("segment", segNo).Msg("Segment upload failed")
			s.recordUploadErr(fmt.Errorf("%w: uploading segment %d: %v", ErrIO, segNo, err))
		}

		s.unpin(segNo, entries)

		s.upMu.Lock()
		s.inflight--
		if s.inflight == 0 {
			s.upCond.Broadcast()
		}
		s.upMu.Unlock()
	}()

	return nil
}

// unpin drops the pinned data of a segment whose upload finished.
func (s *Store) unpin(segNo int64, entries []index.Entry) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	for _, e := range entries {
		delete(s.pendingVals, pendingKey{e.Key, segNo})
	}
	delete(s.pendingSegs, segNo)
}

func (s *Store) recordUploadErr(err error) {
	s.upMu.Lock()
	defer s.upMu.Unlock()

	if s.uploadErr == nil {
		s.uploadErr = err
	}
}

// Flush blocks until every accepted write is persisted and reports the
// first upload failure since the previous Flush.
func (s *Store) Flush() error {
	s.upMu.Lock()
	defer s.upMu.Unlock()

	for s.inflight > 0 {
		s.upCond.Wait()
	}

	err := s.uploadErr
	s.uploadErr = nil

	return err
}

// Close flushes, checkpoints the index and releases the cache. Safe to call
// once, data durability does not depend on it.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopGC)

		s.closeErr = s.Flush()

		if !s.opts.SkipCheckpoint {
			s.checkpoint()
		}

		if s.cache != nil {
			if err := s.cache.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})

	return s.closeErr
}

// checkpoint serializes the index and uploads it to the backend.
func (s *Store) checkpoint() {
	dump := s.index.Serialize(s.seq.Current())

	if err := s.objects.Upload(objstore.CheckpointKey, dump, false); err != nil {
		log.Info().Err(err).Msg("Checkpoint upload failed")
		if s.closeErr == nil {
			s.closeErr = fmt.Errorf("%w: uploading checkpoint: %v", ErrIO, err)
		}
	}
}

// restore rebuilds the index: first from the checkpoint if there is one,
// then by rolling forward over the individual segments until a missing
// sequence number is found. That hole is where prefix consistency ends, any
// successive segments are deleted.
func (s *Store) restore() error {
	if !s.opts.SkipCheckpoint {
		if err := s.restoreFromCheckpoint(); err != nil {
			return err
		}
	}

	if err := s.restoreFromSegments(); err != nil {
		return err
	}

	if err := s.objects.Backend.DeleteFrom(s.seq.Current()); err != nil {
		return fmt.Errorf("%w: deleting unreachable segments: %v", ErrIO, err)
	}

	return nil
}

// restoreFromCheckpoint loads the serialized index and fast-forwards the
// sequence counter. A missing checkpoint is not an error, a corrupted one
// is.
func (s *Store) restoreFromCheckpoint() error {
	size, err := s.objects.Backend.Size(objstore.CheckpointKey)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%w: reading checkpoint size: %v", ErrIO, err)
	}

	dump := make([]byte, size)
	if err := s.objects.Download(objstore.CheckpointKey, dump, 0, false); err != nil {
		return fmt.Errorf("%w: downloading checkpoint: %v", ErrIO, err)
	}

	next, err := s.index.Deserialize(dump)
	if err != nil {
		return fmt.Errorf("restoring checkpoint: %w", err)
	}

	s.seq.Replace(next)
	log.Info().Int64("next segment after checkpoint", s.seq.Current()).Send()

	return nil
}

// restoreFromSegments replays the descriptor regions of the continuous
// segment sequence following the checkpoint. Empty segments are garbage
// collected ones, that is fine, prefix consistency is kept.
func (s *Store) restoreFromSegments() error {
	for ; ; s.seq.Next() {
		segNo := s.seq.Current()

		size, err := s.objects.Backend.Size(segNo)
		if err != nil {
			// Prefix consistency ends here.
			break
		}
		if size == 0 {
			continue
		}

		head := make([]byte, segHeaderSize)
		if err := s.objects.Download(segNo, head, 0, false); err != nil {
			break
		}

		count := binary.LittleEndian.Uint64(head)
		descEnd := int64(segHeaderSize) + int64(count)*segDescriptorSize
		if descEnd > size {
			return fmt.Errorf("segment %d: %d records do not fit size %d", segNo, count, size)
		}

		head = make([]byte, descEnd)
		if err := s.objects.Download(segNo, head, 0, false); err != nil {
			break
		}

		entries, err := decodeSegmentHeader(segNo, head, size)
		if err != nil {
			return err
		}

		s.index.Apply(entries)
	}

	log.Info().Int64("next segment after roll forward", s.seq.Current()).Send()

	return nil
}

func (s *Store) refIncrement(segNo int64) {
	s.refMu.Lock()
	defer s.refMu.Unlock()

	s.refcounter[segNo]++
}

func (s *Store) refDecrement(segNo int64) {
	s.refMu.Lock()
	defer s.refMu.Unlock()

	s.refcounter[segNo]--
}
