// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "github.com/emutrace/qtrace/trace"

import (
	"errors"
	"fmt"
)

// minFutureSlots is the smallest pool size of the future queue.
const minFutureSlots = 1024

// ErrFutureOverflow is returned when more repeated block executions are
// pending than the future queue has slots for.
var ErrFutureOverflow = errors.New("future event queue exhausted")

const noSlot int32 = -1

// bbRecord is one decoded basic block record together with its remaining
// repeat state.
type bbRecord struct {
	bbNum     uint64
	startTime uint64
	repeat    uint64
	timeDiff  uint64
}

// future is a scheduled re-execution of a repeated block.
type future struct {
	rec      bbRecord
	nextTime uint64
	next     int32
}

// futureQueue keeps pending repeats in a preallocated slot arena. Free slots
// form a singly linked free list, used slots a list sorted by nextTime.
type futureQueue struct {
	slots []future
	free  int32
	head  int32
	used  int
}

func newFutureQueue(capacity int) *futureQueue {
	capacity = max(capacity, minFutureSlots)
	q := &futureQueue{
		slots: make([]future, capacity),
		head:  noSlot,
	}
	for i := range q.slots {
		q.slots[i].next = int32(i + 1)
	}
	q.slots[capacity-1].next = noSlot
	return q
}

func (q *futureQueue) empty() bool {
	return q.head == noSlot
}

// peek returns the earliest pending future.
func (q *futureQueue) peek() *future {
	return &q.slots[q.head]
}

// schedule stores rec for its next execution at nextTime.
func (q *futureQueue) schedule(rec bbRecord, nextTime uint64) error {
	if q.free == noSlot {
		return fmt.Errorf("%w: %d slots in use", ErrFutureOverflow, q.used)
	}
	idx := q.free
	q.free = q.slots[idx].next
	q.used++
	q.slots[idx].rec = rec
	q.slots[idx].nextTime = nextTime
	q.insert(idx)
	return nil
}

// insert links slot idx in front of the first entry that is not earlier.
func (q *futureQueue) insert(idx int32) {
	t := q.slots[idx].nextTime
	prev := noSlot
	for cur := q.head; cur != noSlot; prev, cur = cur, q.slots[cur].next {
		if t <= q.slots[cur].nextTime {
			break
		}
	}
	if prev == noSlot {
		q.slots[idx].next = q.head
		q.head = idx
		return
	}
	q.slots[idx].next = q.slots[prev].next
	q.slots[prev].next = idx
}

// pop removes the head and returns its block number and time. If repeats
// remain the entry is rescheduled, otherwise its slot is released.
func (q *futureQueue) pop() (bbNum, time uint64) {
	idx := q.head
	f := &q.slots[idx]
	q.head = f.next
	bbNum, time = f.rec.bbNum, f.nextTime

	if f.rec.repeat > 0 {
		f.rec.repeat--
		f.nextTime += f.rec.timeDiff
		q.insert(idx)
		return bbNum, time
	}
	f.next = q.free
	q.free = idx
	q.used--
	return bbNum, time
}
