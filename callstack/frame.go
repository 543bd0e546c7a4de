// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package callstack // import "github.com/emutrace/qtrace/callstack"

import (
	"fmt"

	"github.com/emutrace/qtrace/libpf"
	"github.com/emutrace/qtrace/processmanager"
)

// FrameKind tells how a frame entered the stack.
type FrameKind uint8

const (
	// KindNative frames are inferred from basic block control flow.
	KindNative FrameKind = iota
	// KindInterpreted frames are pushed by a method enter record.
	KindInterpreted
	// KindNativeEntry frames mark a native method called from managed code.
	KindNativeEntry
)

func (k FrameKind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindInterpreted:
		return "interpreted"
	case KindNativeEntry:
		return "native_entry"
	}
	return fmt.Sprintf("FrameKind(%d)", uint8(k))
}

// Barrier is the effect a frame has on a pop search walking past it.
type Barrier uint8

const (
	// BarrierNone frames are unwound freely.
	BarrierNone Barrier = iota
	// BarrierStop frames end the search; the frame stays on the stack.
	BarrierStop
	// BarrierMethod frames end the search unless a method exit authorizes
	// crossing them.
	BarrierMethod
)

// barriers maps the kind of a frame and whether it caused an exception to
// its barrier. An exception frame must be left for the handler's return.
var barriers = [...][2]Barrier{
	KindNative:      {BarrierNone, BarrierStop},
	KindInterpreted: {BarrierMethod, BarrierMethod},
	KindNativeEntry: {BarrierStop, BarrierStop},
}

// BarrierOf returns the barrier of a frame.
func BarrierOf(kind FrameKind, causedException bool) Barrier {
	i := 0
	if causedException {
		i = 1
	}
	return barriers[kind][i]
}

// Frame is one reconstructed call stack entry.
type Frame struct {
	Function processmanager.Function
	// ReturnAddr is the address execution resumes at when the function
	// returns. It is zero for frames pushed by method records.
	ReturnAddr libpf.Address
	Kind       FrameKind
	// CausedException is set while an exception handler entered from this
	// frame is running.
	CausedException bool
	// Time is the push time without descheduled time, GlobalTime includes it.
	Time       uint64
	GlobalTime uint64
}

// Barrier returns the pop barrier of f.
func (f *Frame) Barrier() Barrier {
	return BarrierOf(f.Kind, f.CausedException)
}

// flags returns the bit representation used in stack dumps.
func (f *Frame) flags() uint32 {
	var v uint32
	if f.CausedException {
		v |= 0x1
	}
	switch f.Kind {
	case KindInterpreted:
		v |= 0x2
	case KindNativeEntry:
		v |= 0x4
	}
	return v
}
