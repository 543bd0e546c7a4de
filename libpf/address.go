// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/emutrace/qtrace/libpf"

import "github.com/zeebo/xxh3"

// Address represents a 32-bit guest virtual address, or an offset within a region.
type Address uint32

// MaxAddress is the highest address of the guest address space.
const MaxAddress Address = 0xffffffff

// Hash32 returns a 32 bits hash of the input.
// It's main purpose is to be used as key for caching.
func (adr Address) Hash32() uint32 {
	return uint32(adr.Hash())
}

// Hash returns a 64 bits hash of the input.
func (adr Address) Hash() uint64 {
	var b [4]byte
	b[0] = byte(adr)
	b[1] = byte(adr >> 8)
	b[2] = byte(adr >> 16)
	b[3] = byte(adr >> 24)
	return xxh3.Hash(b[:])
}

// Path is a file path used as a hashable cache key.
type Path string

// Hash32 returns a 32 bits hash of the path.
func (p Path) Hash32() uint32 {
	return uint32(xxh3.HashString(string(p)))
}
