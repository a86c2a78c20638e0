// Copyright (C) 2025 The kvbd authors

// Package nbd implements the server side of the NBD protocol with fixed
// newstyle negotiation. The actual block device semantics are provided by an
// implementation of the Driver interface, the package only does the framing,
// option haggling and command dispatch.
package nbd

import (
	"errors"
	"fmt"
)

// Feature is a set of independent capabilities a driver advertises. The set
// is translated to NBD transmission flags during negotiation.
type Feature uint16

const (
	FeatureFlush Feature = 1 << iota
	FeatureFUA
	FeatureRotational
	FeatureTrim
	FeatureWriteZeroes
	FeatureMultiConn
	FeatureResize
	FeatureCache
)

// transmissionFlags translates the feature set to the wire representation.
func (f Feature) transmissionFlags(readOnly bool) uint16 {
	flags := flagHasFlags

	if readOnly {
		flags |= flagReadOnly
	}
	if f&FeatureFlush != 0 {
		flags |= flagSendFlush
	}
	if f&FeatureFUA != 0 {
		flags |= flagSendFUA
	}
	if f&FeatureRotational != 0 {
		flags |= flagRotational
	}
	if f&FeatureTrim != 0 {
		flags |= flagSendTrim
	}
	if f&FeatureWriteZeroes != 0 {
		flags |= flagSendWriteZeroes
	}
	if f&FeatureMultiConn != 0 {
		flags |= flagCanMultiConn
	}
	if f&FeatureResize != 0 {
		flags |= flagSendResize
	}
	if f&FeatureCache != 0 {
		flags |= flagSendCache
	}

	return flags
}

// CommandFlags holds the per-command flags of one request.
type CommandFlags uint16

const (
	flagCmdFUA CommandFlags = 1 << 0
)

// FUA reports whether the command requests force-unit-access semantics, i.e.
// the operation must be durable before it is acknowledged.
func (f CommandFlags) FUA() bool {
	return f&flagCmdFUA != 0
}

// Error is an error carrying a protocol errno. Drivers return it to control
// the error value sent back to the client.
type Error struct {
	Errno uint32
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("nbd errno %d", e.Errno)
	}

	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrnoOf extracts the protocol errno from an error returned by a driver.
// Errors without an explicit errno are reported as EIO.
func ErrnoOf(err error) uint32 {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Errno
	}

	return EIO
}

// Driver is the block device behind an export. One driver serves all
// connections, every method may be called concurrently.
type Driver interface {
	// Name returns the canonical export name.
	Name() string

	// Description returns a human readable description of the export.
	Description() string

	// ReadOnly reports whether the device rejects writes.
	ReadOnly() bool

	// BlockSize returns the minimal, preferred and maximal block size.
	BlockSize() (min, preferred, max uint32)

	// Size returns the device size in bytes.
	Size() uint64

	// Features returns the capability set advertised to clients.
	Features() Feature

	// Read returns exactly length bytes starting at offset.
	Read(offset uint64, length uint32, flags CommandFlags) ([]byte, error)

	// Write stores data at offset.
	Write(offset uint64, data []byte, flags CommandFlags) error

	// Flush makes all previously accepted writes durable.
	Flush(flags CommandFlags) error

	// Trim discards the byte range.
	Trim(offset uint64, length uint32, flags CommandFlags) error

	// WriteZeroes zeroes the byte range.
	WriteZeroes(offset uint64, length uint32, flags CommandFlags) error

	// Cache hints that the byte range should be prefetched.
	Cache(offset uint64, length uint32, flags CommandFlags) error

	// BlockStatus queries allocation status of the byte range.
	BlockStatus(offset uint64, length uint32, flags CommandFlags) error

	// Resize changes the device size.
	Resize(size uint64, flags CommandFlags) error

	// Disconnect releases the resources held by the driver. It is called
	// once when the server shuts down, not per connection.
	Disconnect() error
}
