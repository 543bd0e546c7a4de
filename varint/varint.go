// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package varint implements the prefix-length integer encoding used by the
// emulator trace streams.
//
// The number of leading one bits of the first byte selects the record length:
//
//	0xxxxxxx                     1 byte,  7 data bits
//	10xxxxxx                     2 bytes, 14 data bits
//	110xxxxx                     3 bytes, 21 data bits
//	1110xxxx                     4 bytes, 28 data bits
//	11110xxx                     5 bytes, 35 data bits
//	111110xx                     6 bytes, 42 data bits
//	111111xx                     9 bytes, 64 data bits
//
// The remaining bits of the first byte followed by the remaining bytes form a
// big-endian value. Signed values use the same layout in two's complement.
package varint // import "github.com/emutrace/qtrace/varint"

// MaxLen is the largest number of bytes a single record occupies.
const MaxLen = 9

// shape describes one record length class.
type shape struct {
	prefix  uint8
	length  uint8
	bits    uint8
	maxLead uint8
}

var shapes = [...]shape{
	{prefix: 0x00, length: 1, bits: 7, maxLead: 0x7f},
	{prefix: 0x80, length: 2, bits: 14, maxLead: 0xbf},
	{prefix: 0xc0, length: 3, bits: 21, maxLead: 0xdf},
	{prefix: 0xe0, length: 4, bits: 28, maxLead: 0xef},
	{prefix: 0xf0, length: 5, bits: 35, maxLead: 0xf7},
	{prefix: 0xf8, length: 6, bits: 42, maxLead: 0xfb},
	{prefix: 0xff, length: 9, bits: 64, maxLead: 0xff},
}

var (
	// recordLen maps a lead byte to the length of its record.
	recordLen [256]uint8
	// unsignedLead is the contribution of a lead byte to an unsigned value.
	unsignedLead [256]uint64
	// signedLead is the sign-extended contribution of a lead byte.
	signedLead [256]int64
)

func init() {
	lo := 0
	for _, s := range shapes {
		leadBits := int(s.bits) - 8*int(s.length-1)
		for b := lo; b <= int(s.maxLead); b++ {
			recordLen[b] = s.length
			if leadBits <= 0 {
				continue
			}
			v := uint64(b) & (1<<leadBits - 1)
			unsignedLead[b] = v
			shift := 64 - leadBits
			signedLead[b] = int64(v<<shift) >> shift
		}
		lo = int(s.maxLead) + 1
	}
}

// Len returns the total length of the record introduced by lead byte b.
func Len(b byte) int {
	return int(recordLen[b])
}
