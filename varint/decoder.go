// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package varint // import "github.com/emutrace/qtrace/varint"

import (
	"errors"
	"fmt"
	"io"
)

// bufferSize is the size of the refillable read buffer.
const bufferSize = 32 * 1024

// ErrTruncated is returned when a record extends past the end of the input.
var ErrTruncated = errors.New("varint: read past end of file")

// Decoder reads varint records and raw bytes from a buffered input.
type Decoder struct {
	r   io.Reader
	buf []byte
	pos int
	end int
	eof bool
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:   r,
		buf: make([]byte, bufferSize),
	}
}

// fill moves the unread tail to the front of the buffer and reads until the
// buffer is full or the input is exhausted.
func (d *Decoder) fill() error {
	d.end = copy(d.buf, d.buf[d.pos:d.end])
	d.pos = 0
	for !d.eof && d.end < len(d.buf) {
		n, err := d.r.Read(d.buf[d.end:])
		d.end += n
		if errors.Is(err, io.EOF) {
			d.eof = true
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read trace data: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return nil
}

func (d *Decoder) ensure(n int) error {
	if d.end-d.pos >= n || d.eof {
		return nil
	}
	return d.fill()
}

// Buffered reports whether at least one more byte is available.
func (d *Decoder) Buffered() (bool, error) {
	if err := d.ensure(1); err != nil {
		return false, err
	}
	return d.pos < d.end, nil
}

// Decode returns the next record. A signed record is returned sign extended,
// an unsigned record is returned as its bit pattern.
func (d *Decoder) Decode(signed bool) (int64, error) {
	if err := d.ensure(MaxLen); err != nil {
		return 0, err
	}
	if d.pos >= d.end {
		return 0, ErrTruncated
	}
	lead := d.buf[d.pos]
	n := int(recordLen[lead])
	if d.pos+n > d.end {
		return 0, ErrTruncated
	}

	var val uint64
	if signed {
		val = uint64(signedLead[lead])
	} else {
		val = unsignedLead[lead]
	}
	for _, b := range d.buf[d.pos+1 : d.pos+n] {
		val = val<<8 | uint64(b)
	}
	d.pos += n
	return int64(val), nil
}

// Uint64 decodes an unsigned record.
func (d *Decoder) Uint64() (uint64, error) {
	v, err := d.Decode(false)
	return uint64(v), err
}

// Int64 decodes a signed record.
func (d *Decoder) Int64() (int64, error) {
	return d.Decode(true)
}

// ReadRaw copies len(dest) raw bytes from the input into dest.
func (d *Decoder) ReadRaw(dest []byte) error {
	for len(dest) > 0 {
		if d.pos >= d.end {
			if d.eof {
				return ErrTruncated
			}
			if err := d.fill(); err != nil {
				return err
			}
			if d.pos >= d.end {
				return ErrTruncated
			}
		}
		n := copy(dest, d.buf[d.pos:d.end])
		d.pos += n
		dest = dest[n:]
	}
	return nil
}

// ReadString reads a length-prefixed string: an unsigned record with the byte
// count followed by that many raw bytes.
func (d *Decoder) ReadString() (string, error) {
	n, err := d.Uint64()
	if err != nil {
		return "", err
	}
	if n > 1<<20 {
		return "", fmt.Errorf("implausible string length %d", n)
	}
	b := make([]byte, n)
	if err = d.ReadRaw(b); err != nil {
		return "", err
	}
	return string(b), nil
}
