// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package processmanager // import "github.com/emutrace/qtrace/processmanager"

import (
	"errors"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/emutrace/qtrace/libpf"
	"github.com/emutrace/qtrace/trace"
)

// MaxMethodStackDepth bounds the managed method stack of a process.
const MaxMethodStackDepth = 1000

var (
	// ErrMethodStackOverflow is returned when a process enters more than
	// MaxMethodStackDepth nested methods.
	ErrMethodStackOverflow = errors.New("method stack overflow")

	// ErrMethodMismatch is returned when a method exit does not match the
	// innermost method entered.
	ErrMethodMismatch = errors.New("method exit does not match method stack")
)

type methodFrame struct {
	addr   libpf.Address
	native bool
}

type methodStack struct {
	frames []methodFrame
	// current is the innermost managed method, nil if the stack is empty
	// or a native method is innermost.
	current *Function
}

// MethodEvent is a method record with the state it produced.
type MethodEvent struct {
	Record trace.MethodRecord
	// Method is the innermost managed method after the record was applied.
	Method *Function
	// Process is nil for records naming a pid without state.
	Process *Process
}

func (pm *ProcessManager) methodError(p *Process, err error) error {
	var b strings.Builder
	_ = p.DumpMethodStack(&b)
	log.Errorf("Method stack of pid %d:\n%s", p.PID, b.String())
	return err
}

func (pm *ProcessManager) handleMethodRecord(p *Process, rec *trace.MethodRecord) error {
	s := &p.methods
	var top methodFrame
	if rec.Flags.IsEnter() {
		if len(s.frames) >= MaxMethodStackDepth {
			return fmt.Errorf("%w at time %d", ErrMethodStackOverflow, rec.Time)
		}
		top = methodFrame{addr: rec.Addr, native: rec.Flags == trace.NativeEnter}
		s.frames = append(s.frames, top)
	} else {
		n := len(s.frames)
		if n == 0 {
			s.current = nil
			return nil
		}
		popped := s.frames[n-1]
		// Native exits do not always carry the address of their entry.
		if popped.addr != rec.Addr && !popped.native {
			return pm.methodError(p, fmt.Errorf(
				"%w: method 0x%08x at index %d, record 0x%08x at time %d",
				ErrMethodMismatch, uint32(popped.addr), n-1, uint32(rec.Addr), rec.Time))
		}
		if rec.Flags.IsNative() != popped.native {
			return pm.methodError(p, fmt.Errorf(
				"%w: %s record pops the frame at index %d at time %d",
				ErrMethodMismatch, rec.Flags, n-1, rec.Time))
		}
		s.frames = s.frames[:n-1]
		if n == 1 {
			s.current = nil
			return nil
		}
		top = s.frames[n-2]
	}

	if top.native {
		s.current = nil
		return nil
	}
	r := p.as.find(top.addr)
	sym, ok := r.Table.Exact(top.addr - r.Base)
	if !ok {
		s.current = nil
		return nil
	}
	s.current = &Function{Symbol: sym, Region: r}
	return nil
}

// CurrentMethod returns the innermost managed method of pid at time, or nil.
// Times must not decrease between calls.
func (pm *ProcessManager) CurrentMethod(pid libpf.PID, time uint64) (*Function, error) {
	p, ok := pm.processes[pid]
	if !ok {
		return nil, nil
	}
	if time < pm.nextMethod.Time {
		return p.methods.current, nil
	}
	for {
		if pm.nextMethod.Time != 0 {
			if err := pm.applyMethod(&pm.nextMethod); err != nil {
				return nil, err
			}
		}
		rec, err := pm.methods.Next()
		if errors.Is(err, io.EOF) {
			pm.nextMethod = trace.MethodRecord{Time: trace.MaxTime}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read method records: %w", err)
		}
		pm.nextMethod = rec
		if rec.Time > time {
			break
		}
	}
	return p.methods.current, nil
}

// applyMethod applies rec to the process it names, which need not be the
// running one.
func (pm *ProcessManager) applyMethod(rec *trace.MethodRecord) error {
	p, ok := pm.processes[rec.PID]
	if !ok {
		log.Debugf("Dropping %s record of unknown pid %d at time %d", rec.Flags, rec.PID, rec.Time)
		return nil
	}
	return pm.handleMethodRecord(p, rec)
}

// ReadMethodSymbol reads the next method record, advances the process state
// to its time and applies it. It shares its cursor with CurrentMethod; a
// consumer uses one or the other.
func (pm *ProcessManager) ReadMethodSymbol() (MethodEvent, error) {
	rec, err := pm.methods.Next()
	if err != nil {
		return MethodEvent{}, err
	}
	if _, err = pm.CurrentPID(rec.Time); err != nil {
		return MethodEvent{}, err
	}
	// The record is consumed here; a later CurrentMethod starts reading.
	pm.nextMethod = trace.MethodRecord{}

	p, ok := pm.processes[rec.PID]
	if !ok {
		log.Warnf("Method record of unknown pid %d at time %d", rec.PID, rec.Time)
		return MethodEvent{Record: rec}, nil
	}
	if err = pm.handleMethodRecord(p, &rec); err != nil {
		return MethodEvent{}, err
	}
	return MethodEvent{Record: rec, Method: p.methods.current, Process: p}, nil
}
