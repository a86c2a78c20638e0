// Copyright (C) 2025 The kvbd authors

package store

import (
	"encoding/binary"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kvbd/kvbd/internal/store/index"
)

// filterSegmentsToCollect selects segments viable for threshold GC. A
// segment whose live weight is under the threshold ratio of the target
// segment size is selected. The segment with the highest number is never
// collected because of oscillation.
func (s *Store) filterSegmentsToCollect(util map[int64]int64, ratio float64) map[int64]struct{} {
	var maxSeg int64 = -1
	collect := make(map[int64]struct{})

	for segNo, live := range util {
		r := float64(live) / float64(s.opts.SegmentSize)
		if r < ratio {
			collect[segNo] = struct{}{}
		}

		if segNo > maxSeg {
			maxSeg = segNo
		}
	}

	delete(collect, maxSeg)
	s.filterBusySegments(collect)

	return collect
}

// filterBusySegments removes segments which are currently being downloaded
// or whose upload is still in flight from the candidate set.
func (s *Store) filterBusySegments(segs map[int64]struct{}) {
	s.refMu.Lock()
	for segNo, refs := range s.refcounter {
		if refs == 0 {
			delete(s.refcounter, segNo)
		} else {
			delete(segs, segNo)
		}
	}
	s.refMu.Unlock()

	s.pendingMu.Lock()
	for segNo := range s.pendingSegs {
		delete(segs, segNo)
	}
	s.pendingMu.Unlock()
}

// gcThreshold relocates the live records of under-utilized segments into a
// fresh segment, making the old segments dead. The dead GC round deletes
// them afterwards. The relocation is applied conditionally so writes racing
// the GC always win.
func (s *Store) gcThreshold(ratio float64) {
	util := s.index.Utilization()
	collect := s.filterSegmentsToCollect(util, ratio)
	if len(collect) == 0 {
		return
	}

	records := s.index.EntriesInSegments(collect)
	if len(records) == 0 {
		return
	}

	batch := NewBatch()
	origins := make([]index.Location, 0, len(records))

	for _, rec := range records {
		key := make([]byte, 8)
		binary.LittleEndian.PutUint64(key, rec.Key)

		if rec.Tombstone {
			batch.Delete(key)
			origins = append(origins, rec.Loc)
			continue
		}

		val := make([]byte, rec.Loc.Length)
		if err := s.objects.Download(rec.Loc.Segment, val, rec.Loc.Offset, false); err != nil {
			log.Info().Err(err).Int64("segment", rec.Loc.Segment).Msg("GC download failed")
			return
		}

		batch.Put(key, val)
		origins = append(origins, rec.Loc)
	}

	err := s.submitSegment(batch, func(entries []index.Entry) {
		s.index.ApplyIf(entries, origins)
	})
	if err != nil {
		log.Info().Err(err).Msg("GC relocation failed")
	}
}

// removeNonReferencedDeadSegments empties unneeded dead segments and forgets
// them. The object cannot be deleted on the backend, because the sequence
// number would be missing in the recovery process, which needs a continuous
// range of segments. An empty object is uploaded instead.
func (s *Store) removeNonReferencedDeadSegments() {
	dead := s.index.Dead()
	s.filterBusySegments(dead)

	for segNo := range dead {
		if err := s.objects.Upload(segNo, []byte{}, false); err != nil {
			log.Info().Err(err).Int64("segment", segNo).Msg("Emptying dead segment failed")
			delete(dead, segNo)
		}
	}

	s.index.DropSegments(dead)
}

// registerSigUSR1Handler registers SIGUSR1 as a trigger for threshold GC.
func (s *Store) registerSigUSR1Handler() {
	gcChan := make(chan os.Signal, 1)
	signal.Notify(gcChan, syscall.SIGUSR1)

	go func() {
		for range gcChan {
			log.Info().Float64("threshold", s.opts.GCLiveRatio).Msg("Threshold GC started")
			s.gcThreshold(s.opts.GCLiveRatio)
			log.Info().Msg("Threshold GC finished")
		}
	}()
}

// gcDead is the dead segment GC loop. Highly efficient hence running
// regularly until the store is closed.
func (s *Store) gcDead() {
	for {
		select {
		case <-s.stopGC:
			return
		case <-time.After(s.opts.GCWait):
		}

		log.Trace().Msg("Dead GC started")
		s.removeNonReferencedDeadSegments()
		log.Trace().Msg("Dead GC finished")
	}
}
