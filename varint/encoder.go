// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package varint // import "github.com/emutrace/qtrace/varint"

import "io"

// AppendUint64 appends the shortest unsigned encoding of v to dst.
func AppendUint64(dst []byte, v uint64) []byte {
	for _, s := range shapes {
		if s.bits == 64 || v < 1<<s.bits {
			return appendShape(dst, s, v)
		}
	}
	panic("unreachable")
}

// AppendInt64 appends the shortest signed encoding of v to dst.
func AppendInt64(dst []byte, v int64) []byte {
	for _, s := range shapes {
		if s.bits == 64 {
			return appendShape(dst, s, uint64(v))
		}
		limit := int64(1) << (s.bits - 1)
		if v >= -limit && v < limit {
			return appendShape(dst, s, uint64(v)&(1<<s.bits-1))
		}
	}
	panic("unreachable")
}

func appendShape(dst []byte, s shape, v uint64) []byte {
	tail := int(s.length) - 1
	lead := s.prefix
	if s.bits != 64 {
		lead |= uint8(v >> (8 * tail))
	}
	dst = append(dst, lead)
	for i := tail - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*i)))
	}
	return dst
}

// Encoder writes varint records to an io.Writer. The first write error is
// retained and reported by Err; later writes become no-ops.
type Encoder struct {
	w       io.Writer
	scratch []byte
	err     error
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, scratch: make([]byte, 0, MaxLen)}
}

func (e *Encoder) write(p []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(p)
}

// Uint64 writes an unsigned record.
func (e *Encoder) Uint64(v uint64) {
	e.write(AppendUint64(e.scratch[:0], v))
}

// Int64 writes a signed record.
func (e *Encoder) Int64(v int64) {
	e.write(AppendInt64(e.scratch[:0], v))
}

// Raw writes p without any framing.
func (e *Encoder) Raw(p []byte) {
	e.write(p)
}

// PutString writes a length-prefixed string.
func (e *Encoder) PutString(s string) {
	e.Uint64(uint64(len(s)))
	e.write([]byte(s))
}

// Err returns the first error encountered while writing.
func (e *Encoder) Err() error {
	return e.err
}
