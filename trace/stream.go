// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "github.com/emutrace/qtrace/trace"

import (
	"errors"
	"io"

	"github.com/emutrace/qtrace/varint"
)

// ErrNotOpened is returned when reading an optional stream whose file is absent.
var ErrNotOpened = errors.New("trace stream was not opened")

// stream is the state shared by all varint encoded streams.
type stream struct {
	dec    *varint.Decoder
	closer io.Closer
	// done latches the end-of-stream terminator.
	done bool
}

func newStream(rc io.ReadCloser) stream {
	return stream{dec: varint.NewDecoder(rc), closer: rc}
}

// Close releases the underlying file.
func (s *stream) Close() error {
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}

func (s *stream) unsigned() (uint64, error) {
	return s.dec.Uint64()
}

func (s *stream) signed() (int64, error) {
	return s.dec.Int64()
}

// uints decodes len(dst) unsigned records.
func (s *stream) uints(dst ...*uint64) error {
	for _, d := range dst {
		v, err := s.dec.Uint64()
		if err != nil {
			return err
		}
		*d = v
	}
	return nil
}
