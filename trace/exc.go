// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "github.com/emutrace/qtrace/trace"

import (
	"io"

	"github.com/emutrace/qtrace/libpf"
)

// ExcRecord describes an exception taken inside a basic block.
type ExcRecord struct {
	Time      uint64
	CurrentPC libpf.Address
	// RecNum is the 1-based ordinal of the basic block record that was
	// interrupted.
	RecNum      uint64
	TargetPC    libpf.Address
	BBNum       uint64
	BBStartTime uint64
	// NumInsns is the number of instructions of the block that executed.
	NumInsns uint32
}

// ExcStream yields exception records.
type ExcStream struct {
	stream
	prevTime   uint64
	prevRecNum uint64
}

func newExcStream(rc io.ReadCloser) *ExcStream {
	return &ExcStream{stream: newStream(rc)}
}

// Next returns the next exception. A record with zero time delta and zero pc
// terminates the stream.
func (s *ExcStream) Next() (ExcRecord, error) {
	if s.done {
		return ExcRecord{}, io.EOF
	}
	var timeDiff, pc uint64
	if err := s.uints(&timeDiff, &pc); err != nil {
		return ExcRecord{}, err
	}
	if timeDiff|pc == 0 {
		// The terminator is padded to a full record.
		var pad uint64
		if err := s.uints(&pad, &pad, &pad, &pad, &pad); err != nil {
			return ExcRecord{}, err
		}
		s.done = true
		return ExcRecord{}, io.EOF
	}

	var recNumDiff, target, bbNum, bbStart, numInsns uint64
	if err := s.uints(&recNumDiff, &target, &bbNum, &bbStart, &numInsns); err != nil {
		return ExcRecord{}, err
	}
	s.prevTime += timeDiff
	s.prevRecNum += recNumDiff
	return ExcRecord{
		Time:        s.prevTime,
		CurrentPC:   libpf.Address(pc),
		RecNum:      s.prevRecNum,
		TargetPC:    libpf.Address(target),
		BBNum:       bbNum,
		BBStartTime: bbStart,
		NumInsns:    uint32(numInsns),
	}, nil
}
