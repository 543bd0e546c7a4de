// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package callstack // import "github.com/emutrace/qtrace/callstack"

import (
	"errors"
	"fmt"
	"io"

	"github.com/emutrace/qtrace/trace"
)

// MethodSource yields method records in time order. *trace.MethodStream
// implements it.
type MethodSource interface {
	Next() (trace.MethodRecord, error)
}

// MethodCursor buffers the current and the next method record of a method
// stream. All call stacks of one trace share a single cursor.
type MethodCursor struct {
	src     MethodSource
	current trace.MethodRecord
	next    trace.MethodRecord
}

// NewMethodCursor reads the first two records of src. A nil src yields an
// exhausted cursor.
func NewMethodCursor(src MethodSource) (*MethodCursor, error) {
	c := &MethodCursor{
		src:     src,
		current: trace.MethodRecord{Time: trace.MaxTime},
		next:    trace.MethodRecord{Time: trace.MaxTime},
	}
	if src == nil {
		return c, nil
	}
	var err error
	if c.current, err = c.read(); err != nil {
		return nil, err
	}
	if c.current.Time != trace.MaxTime {
		if c.next, err = c.read(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *MethodCursor) read() (trace.MethodRecord, error) {
	rec, err := c.src.Next()
	if errors.Is(err, io.EOF) {
		return trace.MethodRecord{Time: trace.MaxTime}, nil
	}
	if err != nil {
		return trace.MethodRecord{}, fmt.Errorf("failed to read method record: %w", err)
	}
	return rec, nil
}

// Current returns the record due next. Its time is trace.MaxTime at the end
// of the stream.
func (c *MethodCursor) Current() trace.MethodRecord {
	return c.current
}

// Done reports whether every record was consumed.
func (c *MethodCursor) Done() bool {
	return c.current.Time == trace.MaxTime
}

// advance makes the buffered next record current.
func (c *MethodCursor) advance() error {
	c.current = c.next
	if c.next.Time == trace.MaxTime {
		return nil
	}
	var err error
	c.next, err = c.read()
	return err
}

// syncTo skips records that a later record at or before time supersedes.
// Such records belong to methods that returned before tracing saw them.
func (c *MethodCursor) syncTo(time uint64) error {
	for c.next.Time != trace.MaxTime && time >= c.next.Time {
		if err := c.advance(); err != nil {
			return err
		}
	}
	return nil
}
