// Copyright (C) 2025 The kvbd authors

// Package objstore is a proxy for segment storage backends which performs
// prioritization of various requests.
package objstore

import (
	"errors"
)

// CheckpointKey is the reserved segment number under which the serialized
// index checkpoint is stored. Backends map it to a well known object name
// outside the segment sequence.
const CheckpointKey = -1

// ErrNotFound is returned by backends when the requested segment does not
// exist.
var ErrNotFound = errors.New("segment not found")

// Backend is the interface to segment storage. Anything implementing this
// interface can be used as a storage backend.
type Backend interface {
	// Upload stores buf under the segment number.
	Upload(seg int64, buf []byte) error

	// DownloadAt reads data into buf starting from offset in the segment.
	// The length of buf is the length of the requested data.
	DownloadAt(seg int64, buf []byte, offset int64) error

	// Size returns the size in bytes of the segment. Needed for recovery
	// and garbage collection.
	Size(seg int64) (int64, error)

	// Delete removes the segment.
	Delete(seg int64) error

	// DeleteFrom removes the segment and all successive segments. Needed
	// for recovery, where everything past the first hole in the sequence
	// is unreachable.
	DeleteFrom(seg int64) error
}

// Proxy for the storage backend which prioritizes requests. Requests coming
// to the priority channels are handled first, so requests from low priority
// operations like garbage collection do not slow down normal operation.
type Proxy struct {
	Backend Backend

	// Number of goroutines to spawn for handling upload requests and
	// download requests.
	uploaders   int
	downloaders int

	// Internal channels.
	uploads       chan request
	downloads     chan request
	uploadsPrio   chan request
	downloadsPrio chan request
}

// request is an internal structure for wrapping the communication into
// channels.
type request struct {
	seg    int64
	data   []byte
	offset int64
	done   chan error
}

// NewProxy returns a proxy which can be directly used. It immediately spawns
// goroutines for upload and download workers.
func NewProxy(backend Backend, uploaders, downloaders int) *Proxy {
	p := &Proxy{
		Backend:       backend,
		uploaders:     uploaders,
		downloaders:   downloaders,
		uploads:       make(chan request),
		downloads:     make(chan request),
		uploadsPrio:   make(chan request),
		downloadsPrio: make(chan request),
	}

	for i := 0; i < p.uploaders; i++ {
		go p.uploadWorker()
	}

	for i := 0; i < p.downloaders; i++ {
		go p.downloadWorker()
	}

	return p
}

// Upload is the proxy function for uploading the segment. It selects the
// right channel according to prio and waits for the reply.
func (p *Proxy) Upload(seg int64, body []byte, prio bool) error {
	c := p.uploads
	if prio {
		c = p.uploadsPrio
	}

	done := make(chan error)
	c <- request{seg: seg, data: body, done: done}
	return <-done
}

// Download is the proxy function for downloading a part of the segment. It
// selects the right channel according to prio and waits for the reply.
func (p *Proxy) Download(seg int64, buf []byte, offset int64, prio bool) error {
	c := p.downloads
	if prio {
		c = p.downloadsPrio
	}

	done := make(chan error)
	c <- request{seg, buf, offset, done}
	return <-done
}

// receiveRequest is a generic function for prioritization used by both
// uploader and downloader workers.
func (p *Proxy) receiveRequest(prio chan request, normal chan request) request {
	var r request

	select {
	case r = <-prio:
	default:
		select {
		case r = <-prio:
		case r = <-normal:
		}
	}

	return r
}

// uploadWorker just calls Upload() on the backend.
func (p *Proxy) uploadWorker() {
	for {
		r := p.receiveRequest(p.uploadsPrio, p.uploads)
		err := p.Backend.Upload(r.seg, r.data)
		r.done <- err
	}
}

// downloadWorker just calls DownloadAt() on the backend.
func (p *Proxy) downloadWorker() {
	for {
		r := p.receiveRequest(p.downloadsPrio, p.downloads)
		err := p.Backend.DownloadAt(r.seg, r.data, r.offset)
		r.done <- err
	}
}
