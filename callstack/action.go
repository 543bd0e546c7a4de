// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package callstack // import "github.com/emutrace/qtrace/callstack"

import (
	"fmt"

	"github.com/emutrace/qtrace/armhelpers"
	"github.com/emutrace/qtrace/libpf"
	"github.com/emutrace/qtrace/processmanager"
	"github.com/emutrace/qtrace/symtab"
	"github.com/emutrace/qtrace/trace"
)

// Action is the stack change implied by moving from one basic block to the
// next.
type Action uint8

const (
	ActionNone Action = iota
	ActionPush
	ActionPop
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionPush:
		return "push"
	case ActionPop:
		return "pop"
	}
	return fmt.Sprintf("Action(%d)", uint8(a))
}

// lastOpcode classifies the last executed instruction of ev.
func lastOpcode(ev *trace.BBEvent) (armhelpers.Opcode, uint32) {
	insn, ok := ev.LastInsn()
	if !ok {
		return armhelpers.OpInvalid, 0
	}
	if ev.Thumb {
		insn = armhelpers.UnwrapThumb(insn)
	}
	return armhelpers.DecodeInstruction(insn, ev.Thumb), insn
}

// offsetIn returns the offset of addr from the entry of fn.
func offsetIn(fn processmanager.Function, addr libpf.Address) libpf.Address {
	if fn.Symbol == nil || fn.Region == nil {
		return addr
	}
	return addr - fn.Addr()
}

// action decides how the block ev executing in fn changes the stack, given
// the previously executed block. Entering the kernel from user code records
// the user block so that the return from the kernel can be reevaluated.
func (s *CallStack) action(ev *trace.BBEvent, fn processmanager.Function) Action {
	offset := offsetIn(fn, ev.Addr)
	op, insn := lastOpcode(&s.prevEvent)

	// A fallthrough is never a call or a return. This catches a conditional
	// return that was not taken and a fallthrough into a local label.
	if s.prevEvent.End() == ev.Addr {
		return ActionNone
	}

	if fn.Same(s.prevFunc) {
		if s.prevEvent.NumInsns > 0 {
			if offset == 0 && op != armhelpers.OpB && op != armhelpers.OpThumbB {
				return ActionPush
			}
			if offset != 0 && armhelpers.LoadsPC(op, insn) {
				return ActionPop
			}
		}
		return ActionNone
	}

	switch {
	case !s.prevFunc.IsKernel() && fn.IsKernel():
		s.userEvent = s.prevEvent
		s.userFunc = s.prevFunc
	case s.prevFunc.IsKernel() && !fn.IsKernel():
		return ActionPop
	}

	action := ActionPush
	if offset != 0 && s.prevFunc.Symbol != nil {
		switch {
		case !op.IsBranch() || op == armhelpers.OpBX || op == armhelpers.OpThumbBX:
			action = ActionPop
		case !op.IsBranchLink():
			action = ActionNone
		}
		if fn.Symbol.Has(symtab.FlagVectorTable) {
			action = ActionPush
		}
	}
	return action
}
