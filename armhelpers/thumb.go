// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package armhelpers // import "github.com/emutrace/qtrace/armhelpers"

import (
	"fmt"
	"strings"
)

var regNames = [16]string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "r11", "r12", "sp", "lr", "pc",
}

var condNames = [14]string{
	"eq", "ne", "cs", "cc", "mi", "pl", "vs", "vc",
	"hi", "ls", "ge", "lt", "gt", "le",
}

// signExtend interprets the low bits of v as a two's complement number.
func signExtend(v uint32, bits uint) int32 {
	shift := 32 - bits
	return int32(v<<shift) >> shift
}

// regList formats the low register mask of a push or pop, with extra
// appended if bit 8 is set.
func regList(h uint32, extra string) string {
	var regs []string
	for r := range 8 {
		if h&(1<<r) != 0 {
			regs = append(regs, regNames[r])
		}
	}
	if h&0x100 != 0 {
		regs = append(regs, extra)
	}
	return "{" + strings.Join(regs, ", ") + "}"
}

// disassembleThumb renders the operands of the control flow instructions.
// Other instructions are printed as their class and encoding.
func disassembleThumb(pc uint32, insn uint32) string {
	if hi, lo := insn>>16, insn&0xffff; hi&0xf800 == 0xf000 {
		offset := signExtend((hi&0x7ff)<<11|lo&0x7ff, 22)
		target := uint32(int32(pc) + 4 + offset*2)
		if lo&0x1000 == 0 {
			return fmt.Sprintf("blx 0x%x", target&^3)
		}
		return fmt.Sprintf("bl 0x%x", target)
	}

	h := UnwrapThumb(insn)
	switch {
	case h&0xff87 == 0x4780:
		return "blx " + regNames[h>>3&0xf]
	case h&0xff80 == 0x4700:
		return "bx " + regNames[h>>3&0xf]
	case h&0xfe00 == 0xb400:
		return "push " + regList(h, "lr")
	case h&0xfe00 == 0xbc00:
		return "pop " + regList(h, "pc")
	case h&0xf800 == 0xe000:
		return fmt.Sprintf("b 0x%x", uint32(int32(pc)+4+signExtend(h&0x7ff, 11)*2))
	case h&0xf000 == 0xd000 && h>>8&0xf < 0xe:
		return fmt.Sprintf("b%s 0x%x", condNames[h>>8&0xf],
			uint32(int32(pc)+4+signExtend(h&0xff, 8)*2))
	}
	return fmt.Sprintf("%s 0x%x", strings.TrimPrefix(DecodeThumb(h).String(), "thumb_"), insn)
}
