// Copyright (C) 2025 The kvbd authors

package device

import (
	"errors"

	"github.com/kvbd/kvbd/internal/nbd"
	"github.com/kvbd/kvbd/internal/store"
)

// Local error taxonomy. Alignment and range violations are rejected before
// any store access, corruption covers stored records of unexpected length,
// shrink attempts are the one metadata protocol violation.
var (
	ErrUnaligned    = errors.New("not aligned to block size")
	ErrOutOfRange   = errors.New("address beyond the addressable range")
	ErrCorrupt      = errors.New("stored record is corrupted")
	ErrShrink       = errors.New("cannot shrink device")
	ErrNotSupported = errors.New("operation not supported")
)

// protocolError translates failures into the closed error vocabulary of the
// block protocol. The mapping is total: unrecognized engine failures become
// invalid-argument rather than leaking engine detail to clients.
func protocolError(err error) error {
	if err == nil {
		return nil
	}

	var ne *nbd.Error
	if errors.As(err, &ne) {
		return err
	}

	var errno uint32
	switch {
	case errors.Is(err, ErrUnaligned),
		errors.Is(err, ErrOutOfRange),
		errors.Is(err, ErrNotSupported),
		errors.Is(err, store.ErrUnsupported):
		errno = nbd.ENOTSUP

	case errors.Is(err, store.ErrIO):
		errno = nbd.EIO

	default:
		errno = nbd.EINVAL
	}

	return &nbd.Error{Errno: errno, Err: err}
}
