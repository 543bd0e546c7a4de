// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "github.com/emutrace/qtrace/trace"

import "io"

// InsnStream yields per-instruction simulated times. Each record carries a
// time delta and the number of further instructions using the same delta.
type InsnStream struct {
	stream
	prevTime uint64
	timeDiff uint64
	// repeat is -1 when the next call has to decode a new record.
	repeat int64
}

func newInsnStream(rc io.ReadCloser) *InsnStream {
	return &InsnStream{stream: newStream(rc), repeat: -1}
}

// Next advances to the first instruction time that is not before minTime.
func (s *InsnStream) Next(minTime uint64) (uint64, error) {
	for {
		if s.repeat == -1 {
			var repeat uint64
			if err := s.uints(&s.timeDiff, &repeat); err != nil {
				return 0, err
			}
			s.repeat = int64(repeat)
		}
		s.prevTime += s.timeDiff
		s.repeat--
		if s.prevTime >= minTime {
			return s.prevTime, nil
		}
	}
}
