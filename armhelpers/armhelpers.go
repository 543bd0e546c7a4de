// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package armhelpers classifies 32-bit ARM and Thumb instructions by their
// effect on control flow and renders them as text.
package armhelpers // import "github.com/emutrace/qtrace/armhelpers"

import (
	"encoding/binary"
	"fmt"
	"strings"

	aa "golang.org/x/arch/arm/armasm"

	"github.com/emutrace/qtrace/libpf"
)

// Opcode is the control flow class of an instruction.
type Opcode uint8

const (
	// OpInvalid is used for words that do not decode and for blocks without
	// instructions.
	OpInvalid Opcode = iota
	// OpOther is any ARM instruction not listed below.
	OpOther
	OpB
	OpBL
	OpBLX
	OpBX
	// OpLDM is any load multiple, including POP.
	OpLDM
	// OpThumbOther is any Thumb instruction not listed below.
	OpThumbOther
	OpThumbB
	OpThumbBL
	OpThumbBLX
	OpThumbBX
	OpThumbPop
)

var opcodeNames = [...]string{
	OpInvalid:    "invalid",
	OpOther:      "other",
	OpB:          "b",
	OpBL:         "bl",
	OpBLX:        "blx",
	OpBX:         "bx",
	OpLDM:        "ldm",
	OpThumbOther: "thumb_other",
	OpThumbB:     "thumb_b",
	OpThumbBL:    "thumb_bl",
	OpThumbBLX:   "thumb_blx",
	OpThumbBX:    "thumb_bx",
	OpThumbPop:   "thumb_pop",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return fmt.Sprintf("Opcode(%d)", int(op))
}

// IsBranch reports whether op always or conditionally transfers control.
func (op Opcode) IsBranch() bool {
	switch op {
	case OpB, OpBL, OpBLX, OpBX, OpThumbB, OpThumbBL, OpThumbBLX, OpThumbBX:
		return true
	}
	return false
}

// IsBranchLink reports whether op is a call that saves the return address.
func (op Opcode) IsBranchLink() bool {
	switch op {
	case OpBL, OpBLX, OpThumbBL, OpThumbBLX:
		return true
	}
	return false
}

// Register list bits that include the program counter.
const (
	LDMLoadsPC      = 1 << 15
	ThumbPopLoadsPC = 1 << 8
)

// LoadsPC reports whether a load multiple or Thumb pop encoded as insn
// writes the program counter, which makes it a return.
func LoadsPC(op Opcode, insn uint32) bool {
	switch op {
	case OpLDM:
		return insn&LDMLoadsPC != 0
	case OpThumbPop:
		return insn&ThumbPopLoadsPC != 0
	}
	return false
}

func decodeARM(insn uint32) (aa.Inst, error) {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], insn)
	return aa.Decode(raw[:], aa.ModeARM)
}

// Decode classifies an ARM instruction. Conditional forms are classified
// like their unconditional counterparts.
func Decode(insn uint32) Opcode {
	inst, err := decodeARM(insn)
	if err != nil {
		return OpInvalid
	}
	mnemonic, _, _ := strings.Cut(inst.Op.String(), ".")
	switch mnemonic {
	case "B":
		return OpB
	case "BL":
		return OpBL
	case "BLX":
		return OpBLX
	case "BX":
		return OpBX
	case "POP":
		return OpLDM
	}
	if strings.HasPrefix(mnemonic, "LDM") {
		return OpLDM
	}
	return OpOther
}

// UnwrapThumb returns the halfword that determines the class of a Thumb
// instruction word. Two halfword BL and BLX pairs are recorded with the
// first halfword in the upper 16 bits; they are classified by the second.
func UnwrapThumb(insn uint32) uint32 {
	return insn & 0xffff
}

// DecodeThumb classifies an unwrapped Thumb halfword.
func DecodeThumb(insn uint32) Opcode {
	h := uint16(insn)
	switch {
	case h&0xff87 == 0x4780:
		return OpThumbBLX
	case h&0xff80 == 0x4700:
		return OpThumbBX
	case h&0xfe00 == 0xbc00:
		return OpThumbPop
	case h&0xf800 == 0xe000:
		return OpThumbB
	case h&0xf000 == 0xf000:
		// Either half of BL.
		return OpThumbBL
	case h&0xf800 == 0xe800:
		return OpThumbBLX
	case h&0xf000 == 0xd000 && h&0x0e00 != 0x0e00:
		// Conditions 0xe and 0xf are undefined and SWI.
		return OpThumbB
	}
	return OpThumbOther
}

// DecodeInstruction classifies a recorded instruction word of either set.
func DecodeInstruction(insn uint32, thumb bool) Opcode {
	if thumb {
		return DecodeThumb(UnwrapThumb(insn))
	}
	return Decode(insn)
}

// Disassemble renders the instruction at pc. ARM instructions use GNU syntax.
// Thumb branches, push and pop are printed with their operands.
func Disassemble(pc libpf.Address, insn uint32, thumb bool) string {
	if thumb {
		return fmt.Sprintf("%08x: %s", uint32(pc), disassembleThumb(uint32(pc), insn))
	}
	inst, err := decodeARM(insn)
	if err != nil {
		return fmt.Sprintf("%08x: .word 0x%08x", uint32(pc), insn)
	}
	return fmt.Sprintf("%08x: %s", uint32(pc), aa.GNUSyntax(inst))
}
