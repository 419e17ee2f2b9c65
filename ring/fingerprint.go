// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ring

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// Fingerprint hashes the parts of a layout that two binaries must agree on
// beyond the plain capacity check: the slot type tag, its size and the
// header version. The first 8 bytes of the BLAKE3 sum are stored in the
// header.
func Fingerprint(tag string, elemSize uint32) uint64 {
	h := blake3.New()
	h.Write([]byte(tag))

	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:4], elemSize)
	binary.LittleEndian.PutUint32(b[4:8], Version)
	h.Write(b[:])

	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[:8])
}
