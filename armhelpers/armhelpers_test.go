// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package armhelpers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	tests := map[string]struct {
		insn     uint32
		op       Opcode
		loadsPC  bool
		branch   bool
		withLink bool
	}{
		"b":              {insn: 0xea000000, op: OpB, branch: true},
		"bl":             {insn: 0xeb000010, op: OpBL, branch: true, withLink: true},
		"conditional bl": {insn: 0x0b000010, op: OpBL, branch: true, withLink: true},
		"bx lr":          {insn: 0xe12fff1e, op: OpBX, branch: true},
		"blx r3":         {insn: 0xe12fff33, op: OpBLX, branch: true, withLink: true},
		"pop r4 pc":      {insn: 0xe8bd8010, op: OpLDM, loadsPC: true},
		"ldm no pc":      {insn: 0xe8900006, op: OpLDM},
		"mov":            {insn: 0xe1a00001, op: OpOther},
		"add":            {insn: 0xe2800001, op: OpOther},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			op := DecodeInstruction(tc.insn, false)
			assert.Equal(t, tc.op, op)
			assert.Equal(t, tc.loadsPC, LoadsPC(op, tc.insn))
			assert.Equal(t, tc.branch, op.IsBranch())
			assert.Equal(t, tc.withLink, op.IsBranchLink())
		})
	}
}

func TestDecodeThumb(t *testing.T) {
	tests := map[string]struct {
		insn    uint32
		op      Opcode
		loadsPC bool
	}{
		"b":         {insn: 0xe7fe, op: OpThumbB},
		"beq":       {insn: 0xd0fe, op: OpThumbB},
		"swi":       {insn: 0xdf00, op: OpThumbOther},
		"bx lr":     {insn: 0x4770, op: OpThumbBX},
		"blx r3":    {insn: 0x4798, op: OpThumbBLX},
		"pop pc":    {insn: 0xbd10, op: OpThumbPop, loadsPC: true},
		"pop no pc": {insn: 0xbc10, op: OpThumbPop},
		"bl pair":   {insn: 0xf000f800, op: OpThumbBL},
		"blx pair":  {insn: 0xf000e800, op: OpThumbBLX},
		"movs":      {insn: 0x2001, op: OpThumbOther},
		"bl prefix": {insn: 0xf7ff, op: OpThumbBL},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			op := DecodeInstruction(tc.insn, true)
			assert.Equal(t, tc.op, op)
			assert.Equal(t, tc.loadsPC, LoadsPC(op, UnwrapThumb(tc.insn)))
		})
	}
}

func TestOpcodeClasses(t *testing.T) {
	assert.False(t, OpInvalid.IsBranch())
	assert.False(t, OpThumbPop.IsBranch())
	assert.True(t, OpThumbB.IsBranch())
	assert.False(t, OpThumbB.IsBranchLink())
	assert.Equal(t, "thumb_pop", OpThumbPop.String())
	assert.Equal(t, "Opcode(200)", Opcode(200).String())
}

func TestDisassemble(t *testing.T) {
	text := Disassemble(0x8000, 0xe12fff1e, false)
	assert.True(t, strings.HasPrefix(text, "00008000: "), text)
	assert.Contains(t, strings.ToLower(text), "bx")

	assert.Equal(t, "00008002: pop {r4, pc}", Disassemble(0x8002, 0xbd10, true))
}

func TestDisassembleThumb(t *testing.T) {
	tests := map[string]struct {
		insn uint32
		text string
	}{
		"push":         {insn: 0xb510, text: "push {r4, lr}"},
		"pop pc":       {insn: 0xbd10, text: "pop {r4, pc}"},
		"pop":          {insn: 0xbc03, text: "pop {r0, r1}"},
		"bx lr":        {insn: 0x4770, text: "bx lr"},
		"blx r3":       {insn: 0x4798, text: "blx r3"},
		"b self":       {insn: 0xe7fe, text: "b 0x2000"},
		"beq self":     {insn: 0xd0fe, text: "beq 0x2000"},
		"bl pair":      {insn: 0xf000f800, text: "bl 0x2004"},
		"bl backwards": {insn: 0xf7fffffe, text: "bl 0x2000"},
		"blx pair":     {insn: 0xf000e802, text: "blx 0x2008"},
		"movs":         {insn: 0x2001, text: "other 0x2001"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, "00002000: "+tc.text, Disassemble(0x2000, tc.insn, true))
		})
	}
}
