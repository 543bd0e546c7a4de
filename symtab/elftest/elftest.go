// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package elftest writes minimal 32-bit little endian ARM ELF files for tests.
package elftest // import "github.com/emutrace/qtrace/symtab/elftest"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
)

// Symbol is a symbol table entry. Section names the section the symbol is
// defined in; an empty name leaves the symbol undefined and "*ABS*" makes it
// absolute.
type Symbol struct {
	Name    string
	Value   uint32
	Size    uint32
	Type    elf.SymType
	Bind    elf.SymBind
	Section string
}

// Func returns a global function symbol in .text.
func Func(name string, value uint32) Symbol {
	return Symbol{Name: name, Value: value, Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL,
		Section: ".text"}
}

// File describes the content of an ELF file.
type File struct {
	TextAddr uint32
	TextSize uint32
	// PLTSize of zero omits the .plt section.
	PLTAddr uint32
	PLTSize uint32
	DataAddr uint32
	DataSize uint32
	Symbols  []Symbol
}

type section struct {
	name  string
	hdr   elf.Section32
	data  []byte
	index uint16
}

const absSection = "*ABS*"

// Bytes encodes the file.
func (f *File) Bytes() []byte {
	const (
		ehdrSize = 52
		shdrSize = 40
		symSize  = 16
	)

	exec := uint32(elf.SHF_ALLOC | elf.SHF_EXECINSTR)
	sections := []*section{{name: ""}}
	add := func(name string, typ elf.SectionType, flags, addr uint32, data []byte) *section {
		s := &section{name: name, data: data, index: uint16(len(sections))}
		s.hdr.Type = uint32(typ)
		s.hdr.Flags = flags
		s.hdr.Addr = addr
		s.hdr.Addralign = 4
		sections = append(sections, s)
		return s
	}
	add(".text", elf.SHT_PROGBITS, exec, f.TextAddr, make([]byte, f.TextSize))
	if f.PLTSize != 0 {
		add(".plt", elf.SHT_PROGBITS, exec, f.PLTAddr, make([]byte, f.PLTSize))
	}
	add(".data", elf.SHT_PROGBITS, uint32(elf.SHF_ALLOC|elf.SHF_WRITE), f.DataAddr,
		make([]byte, f.DataSize))

	index := make(map[string]uint16, len(sections))
	for _, s := range sections {
		index[s.name] = s.index
	}

	strtab := []byte{0}
	symtab := new(bytes.Buffer)
	_ = binary.Write(symtab, binary.LittleEndian, elf.Sym32{})
	for _, sym := range f.Symbols {
		shndx := uint16(elf.SHN_UNDEF)
		switch sym.Section {
		case "":
		case absSection:
			shndx = uint16(elf.SHN_ABS)
		default:
			shndx = index[sym.Section]
		}
		_ = binary.Write(symtab, binary.LittleEndian, elf.Sym32{
			Name:  uint32(len(strtab)),
			Value: sym.Value,
			Size:  sym.Size,
			Info:  elf.ST_INFO(sym.Bind, sym.Type),
			Shndx: shndx,
		})
		strtab = append(append(strtab, sym.Name...), 0)
	}

	sym := add(".symtab", elf.SHT_SYMTAB, 0, 0, symtab.Bytes())
	sym.hdr.Entsize = symSize
	sym.hdr.Info = 1
	str := add(".strtab", elf.SHT_STRTAB, 0, 0, strtab)
	sym.hdr.Link = uint32(str.index)

	shstrtab := []byte{0}
	shstr := add(".shstrtab", elf.SHT_STRTAB, 0, 0, nil)
	for _, s := range sections[1:] {
		s.hdr.Name = uint32(len(shstrtab))
		shstrtab = append(append(shstrtab, s.name...), 0)
	}
	shstr.data = shstrtab

	off := uint32(ehdrSize)
	for _, s := range sections[1:] {
		s.hdr.Off = off
		s.hdr.Size = uint32(len(s.data))
		off += s.hdr.Size
	}
	shoff := (off + 3) &^ 3

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	out := new(bytes.Buffer)
	_ = binary.Write(out, binary.LittleEndian, elf.Header32{
		Ident:     ident,
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_ARM),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    ehdrSize,
		Shentsize: shdrSize,
		Shnum:     uint16(len(sections)),
		Shstrndx:  shstr.index,
	})
	for _, s := range sections[1:] {
		out.Write(s.data)
	}
	out.Write(make([]byte, shoff-off))
	for _, s := range sections {
		_ = binary.Write(out, binary.LittleEndian, s.hdr)
	}
	return out.Bytes()
}

// WriteFile writes the encoded file to path.
func (f *File) WriteFile(path string) error {
	return os.WriteFile(path, f.Bytes(), 0o644)
}
