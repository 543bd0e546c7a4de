// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "github.com/emutrace/qtrace/trace"

import (
	"io"
)

// BBRecord is one dynamic execution of a static basic block.
type BBRecord struct {
	Time  uint64
	BBNum uint64
}

// BBStream yields basic block executions in time order, expanding the
// repeat-compressed records of the .bb file.
type BBStream struct {
	stream
	next    bbRecord
	futures *futureQueue
}

func newBBStream(rc io.ReadCloser, futureSlots int) (*BBStream, error) {
	s := &BBStream{
		stream:  newStream(rc),
		futures: newFutureQueue(futureSlots),
	}
	if err := s.decodeNext(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// decodeNext reads the next distinct record into s.next. A zero time delta
// terminates the stream.
func (s *BBStream) decodeNext() error {
	bbDiff, err := s.signed()
	if err != nil {
		return err
	}
	var timeDiff, repeat uint64
	if err = s.uints(&timeDiff, &repeat); err != nil {
		return err
	}
	if timeDiff == 0 {
		s.done = true
		return nil
	}
	s.next.repeat = repeat
	if repeat > 0 {
		if s.next.timeDiff, err = s.unsigned(); err != nil {
			return err
		}
	}
	s.next.bbNum += uint64(bbDiff)
	s.next.startTime += timeDiff
	return nil
}

// Next returns the earliest pending execution. When a decoded record and a
// pending repeat have the same time the decoded record goes first.
func (s *BBStream) Next() (BBRecord, error) {
	if !s.futures.empty() && (s.done || s.futures.peek().nextTime < s.next.startTime) {
		bbNum, t := s.futures.pop()
		return BBRecord{Time: t, BBNum: bbNum}, nil
	}
	if s.done {
		return BBRecord{}, io.EOF
	}

	rec := BBRecord{Time: s.next.startTime, BBNum: s.next.bbNum}
	if s.next.repeat > 0 {
		pending := s.next
		pending.repeat--
		if err := s.futures.schedule(pending, s.next.startTime+s.next.timeDiff); err != nil {
			return BBRecord{}, err
		}
	}
	if err := s.decodeNext(); err != nil {
		return BBRecord{}, err
	}
	return rec, nil
}
