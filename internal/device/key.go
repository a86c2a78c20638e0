// Copyright (C) 2025 The kvbd authors

package device

import (
	"encoding/binary"
)

// reservedBlocks is the number of low-numbered keys set aside for device
// metadata, preceding the data blocks. Only the first one is used today, it
// holds the device size. The rest is headroom for future metadata versions.
const reservedBlocks = 8

// blockKey maps a logical block index to its storage key. The mapping is
// injective over the whole index range, the reserved region only shifts it.
func blockKey(block uint64) []byte {
	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, block+reservedBlocks)

	return key
}

// sizeKey is the reserved key holding the device size as a fixed-width
// little-endian integer.
func sizeKey() []byte {
	return make([]byte, 8)
}
