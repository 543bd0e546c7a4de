// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package callstack reconstructs the call stack of a thread from the
// sequence of basic blocks it executes.
//
// Calls and returns are inferred from the last instruction of the previous
// block and the position of the new block within its function. Managed
// methods are never inferred, they are pushed and popped by the records of
// the method stream.
package callstack // import "github.com/emutrace/qtrace/callstack"

import (
	"errors"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/emutrace/qtrace/libpf"
	"github.com/emutrace/qtrace/processmanager"
	"github.com/emutrace/qtrace/symtab"
	"github.com/emutrace/qtrace/trace"
)

// DefaultMaxFrames is the stack capacity used when Config.MaxFrames is unset.
const DefaultMaxFrames = 500

// deepUnwind is the number of frames a single pop may unwind before it is
// counted in Stats.DeepUnwinds.
const deepUnwind = 7

// ErrStackOverflow is returned by Update when a push exceeds the capacity.
var ErrStackOverflow = errors.New("call stack overflow")

// Config configures a CallStack.
type Config struct {
	// MaxFrames is the stack capacity.
	MaxFrames int
	// NativeOnly replaces managed methods by the native code executing
	// them and ignores the method stream.
	NativeOnly bool
}

// Observer is notified of every stack change. The frame pointer is only
// valid during the call.
type Observer interface {
	Push(s *CallStack, level int, time uint64, f *Frame)
	Pop(s *CallStack, level int, time uint64, f *Frame)
}

type nopObserver struct{}

func (nopObserver) Push(*CallStack, int, uint64, *Frame) {}
func (nopObserver) Pop(*CallStack, int, uint64, *Frame)  {}

// Stats are counters of stack changes.
type Stats struct {
	Pushes uint64
	Pops   uint64
	// DeepUnwinds counts pops that unwound more than seven frames at once.
	DeepUnwinds uint64
	// MaxUnwind is the largest number of frames unwound by one pop.
	MaxUnwind int
}

// CallStack is the reconstructed call stack of one thread.
type CallStack struct {
	id       int
	frames   []Frame
	top      int
	cursor   *MethodCursor
	observer Observer

	nativeOnly bool
	// allowNative is cleared while a managed method is the innermost frame;
	// the interpreter blocks executing it are not calls.
	allowNative bool

	prevFunc  processmanager.Function
	prevEvent trace.BBEvent
	// userFunc and userEvent hold the last user block before entering the
	// kernel.
	userFunc  processmanager.Function
	userEvent trace.BBEvent

	skipped uint64
	lastRun uint64

	stats Stats
}

// New returns an empty call stack. The cursor is shared by all stacks of a
// trace; a nil cursor means there are no method records. A nil observer is
// allowed.
func New(id int, cfg Config, cursor *MethodCursor, observer Observer) *CallStack {
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = DefaultMaxFrames
	}
	if cursor == nil {
		cursor, _ = NewMethodCursor(nil)
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &CallStack{
		id:          id,
		frames:      make([]Frame, cfg.MaxFrames),
		cursor:      cursor,
		observer:    observer,
		nativeOnly:  cfg.NativeOnly,
		allowNative: true,
	}
}

// ID returns the id passed to New.
func (s *CallStack) ID() int {
	return s.id
}

// SetNativeOnly switches managed method frames off or on.
func (s *CallStack) SetNativeOnly(nativeOnly bool) {
	s.nativeOnly = nativeOnly
}

// Level returns the number of frames on the stack.
func (s *CallStack) Level() int {
	return s.top
}

// Frames returns the frames from the outermost to the innermost. The slice
// is only valid until the next update.
func (s *CallStack) Frames() []Frame {
	return s.frames[:s.top]
}

// GlobalTime converts a thread time to trace time.
func (s *CallStack) GlobalTime(time uint64) uint64 {
	return time + s.skipped
}

// Stats returns the counters accumulated so far.
func (s *CallStack) Stats() Stats {
	return s.stats
}

// Update applies the block ev executing in fn to the stack.
func (s *CallStack) Update(ev *trace.BBEvent, fn processmanager.Function) error {
	if s.nativeOnly {
		fn = fn.Native()
	} else if err := s.methodAction(ev, fn); err != nil {
		return err
	}

	action := s.action(ev, fn)
	if !s.allowNative && !fn.IsKernel() {
		action = ActionNone
	}

	fn = fn.Native()
	switch action {
	case ActionPush:
		if err := s.push(ev, fn); err != nil {
			return err
		}
	case ActionPop:
		s.pop(ev, fn, false)
	}

	if s.top == 0 {
		if err := s.simplePush(fn, 0, ev.Time-s.skipped, KindNative); err != nil {
			return err
		}
	}

	s.prevFunc = fn
	s.prevEvent = *ev
	return nil
}

// PopAll empties the stack, typically when the thread exits.
func (s *CallStack) PopAll(time uint64) {
	time -= s.skipped
	for s.top != 0 {
		s.simplePop(time)
	}
}

// ThreadStart records that the thread was scheduled at time.
func (s *CallStack) ThreadStart(time uint64) {
	s.skipped += time - s.lastRun
}

// ThreadStop records that the thread was descheduled at time.
func (s *CallStack) ThreadStop(time uint64) {
	s.lastRun = time
}

func hasFlag(fn processmanager.Function, flags symtab.Flags) bool {
	return fn.Symbol != nil && fn.Symbol.Has(flags)
}

func entryAddr(fn processmanager.Function) libpf.Address {
	if fn.Symbol == nil || fn.Region == nil {
		return 0
	}
	return fn.Addr()
}

func (s *CallStack) push(ev *trace.BBEvent, fn processmanager.Function) error {
	time := ev.Time - s.skipped
	if s.top >= len(s.frames) {
		return fmt.Errorf("%w (%d frames)", ErrStackOverflow, s.top)
	}

	retAddr := s.prevEvent.End()

	// The real handler replaces the vector table entry and returns where the
	// exception occurred.
	if s.top > 0 && hasFlag(s.frames[s.top-1].Function, symtab.FlagVectorTable) {
		retAddr = s.frames[s.top-1].ReturnAddr
		s.simplePop(time)
	}

	// A return from the kernel into the entry of a function happens when
	// the first instruction of a call faulted. The kernel frames are dropped
	// up to the frame that caused the exception, which becomes the caller.
	if s.prevFunc.IsKernel() && !fn.IsKernel() && s.top > 0 {
		for s.top > 0 {
			s.simplePop(time)
			if s.top > 0 && s.frames[s.top-1].CausedException {
				s.frames[s.top-1].CausedException = false
				retAddr = s.frames[s.top].ReturnAddr
				break
			}
		}
	}

	if hasFlag(fn, symtab.FlagVectorStart) && s.top > 0 {
		s.frames[s.top-1].CausedException = true
	}
	return s.simplePush(fn, retAddr, time, KindNative)
}

func (s *CallStack) simplePush(fn processmanager.Function, retAddr libpf.Address,
	time uint64, kind FrameKind) error {
	if s.top >= len(s.frames) {
		var b strings.Builder
		s.Dump(&b)
		log.Errorf("Call stack %d:\n%s", s.id, b.String())
		return fmt.Errorf("%w (%d frames)", ErrStackOverflow, s.top)
	}

	s.frames[s.top] = Frame{
		Function:   fn,
		ReturnAddr: retAddr,
		Kind:       kind,
		Time:       time,
		GlobalTime: time + s.skipped,
	}
	s.observer.Push(s, s.top, time, &s.frames[s.top])
	s.top++
	s.stats.Pushes++
	return nil
}

func (s *CallStack) simplePop(time uint64) {
	if s.top <= 0 {
		return
	}
	s.top--
	s.observer.Pop(s, s.top, time, &s.frames[s.top])
	s.stats.Pops++

	if s.nativeOnly {
		return
	}
	if s.top == 0 {
		s.allowNative = true
		return
	}
	newer := s.frames[s.top].Kind == KindInterpreted
	older := s.frames[s.top-1].Kind == KindInterpreted
	switch {
	case newer && !older:
		s.allowNative = true
	case !newer && older:
		s.allowNative = false
	}
}

// findReturn searches down from the top for a frame returning to addr. It
// returns the level to pop to and whether the frame was found.
func (s *CallStack) findReturn(addr libpf.Address, methodPop bool) (int, bool) {
	for level := s.top - 1; level >= 0; level-- {
		f := &s.frames[level]
		if f.ReturnAddr == addr {
			return level, true
		}
		switch f.Barrier() {
		case BarrierMethod:
			if methodPop {
				methodPop = false
				continue
			}
			return level + 1, false
		case BarrierStop:
			return level + 1, false
		}
	}
	return -1, false
}

// findFunction searches down from the top for a frame of fn. It returns the
// level to pop to, or -1 when the search reached the bottom.
func (s *CallStack) findFunction(fn processmanager.Function, methodPop bool) int {
	for level := s.top - 1; level >= 0; level-- {
		f := &s.frames[level]
		if f.Function.Same(fn) {
			// A method returning into a recursive call of itself pops
			// the matching frame too.
			if methodPop && fn.Same(s.prevFunc) {
				return level
			}
			return level + 1
		}
		switch f.Barrier() {
		case BarrierMethod:
			if methodPop {
				methodPop = false
				continue
			}
			return level + 1
		case BarrierStop:
			return level + 1
		}
	}
	return -1
}

// pop unwinds to the frame the block ev returns to. Without a matching frame
// the whole stack down to the next barrier is unwound, since tracing may
// have started in the middle of a call chain.
func (s *CallStack) pop(ev *trace.BBEvent, fn processmanager.Function, methodPop bool) {
	time := ev.Time - s.skipped

	level, found := s.findReturn(ev.Addr, methodPop)
	if !found {
		level = s.findFunction(fn, methodPop)
		if level < 0 {
			level = 0
		}
	}
	if level == 0 && s.top > 0 && s.frames[0].Function.Same(fn) {
		level = 1
	}

	if n := s.top - level; n > 0 {
		if n > deepUnwind {
			s.stats.DeepUnwinds++
			log.Debugf("Call stack %d unwinds %d frames at time %d", s.id, n, ev.Time)
		}
		if n > s.stats.MaxUnwind {
			s.stats.MaxUnwind = n
		}
	}
	for s.top > level {
		s.simplePop(time)
	}
	if s.top > 0 {
		s.frames[s.top-1].CausedException = false
	}

	// The kernel may have been entered right after a user function returned
	// and before its caller executed. Reevaluate the last user block to
	// unwind the returned function too.
	if s.prevFunc.IsKernel() && !fn.IsKernel() {
		s.prevEvent = s.userEvent
		s.prevFunc = s.userFunc
		if s.action(ev, fn) == ActionPop {
			s.pop(ev, fn, methodPop)
		}
	}
}

// methodAction applies the method record due at the time of ev.
func (s *CallStack) methodAction(ev *trace.BBEvent, fn processmanager.Function) error {
	if err := s.cursor.syncTo(ev.Time); err != nil {
		return err
	}
	rec := s.cursor.Current()
	if ev.Time < rec.Time || ev.PID != rec.PID {
		return nil
	}

	time := ev.Time - s.skipped
	switch rec.Flags {
	case trace.MethodEnter:
		if err := s.simplePush(fn, 0, time, KindInterpreted); err != nil {
			return err
		}
		s.allowNative = false
	case trace.NativeEnter:
		if err := s.simplePush(fn, 0, time, KindNativeEntry); err != nil {
			return err
		}
		s.allowNative = true
	case trace.MethodExit, trace.MethodException:
		s.methodPop(rec, KindInterpreted, time)
	case trace.NativeExit, trace.NativeException:
		s.methodPop(rec, KindNativeEntry, time)
	}
	return s.cursor.advance()
}

// methodPop unwinds through the innermost frame of kind entered by the method
// that rec exits. Native entries match regardless of the address.
func (s *CallStack) methodPop(rec trace.MethodRecord, kind FrameKind, time uint64) {
	level := s.top - 1
	for ; level >= 0; level-- {
		f := &s.frames[level]
		if f.Kind != kind {
			continue
		}
		if kind == KindNativeEntry || entryAddr(f.Function) == rec.Addr {
			break
		}
	}
	if level < 0 {
		// The method was entered before tracing started.
		log.Debugf("Call stack %d: unmatched %s of 0x%08x at time %d",
			s.id, rec.Flags, uint32(rec.Addr), rec.Time)
		return
	}
	for s.top > level {
		s.simplePop(time)
	}
}

// Dump writes the frames from the outermost to the innermost.
func (s *CallStack) Dump(w io.Writer) {
	fmt.Fprintf(w, "top: %d skippedTime: %d\n", s.top, s.skipped)
	for i := 0; i < s.top; i++ {
		f := &s.frames[i]
		var addr libpf.Address
		if f.Function.Symbol != nil && f.Function.Region != nil {
			addr = f.Function.Region.VStart + f.Function.Symbol.Addr
		}
		fmt.Fprintf(w, "  %d: t %d gt %d f %x 0x%08x 0x%08x %s\n",
			i, f.Time, f.GlobalTime, f.flags(), uint32(f.ReturnAddr), uint32(addr),
			f.Function.Name())
	}
}
