// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package symtab // import "github.com/emutrace/qtrace/symtab"

import (
	"debug/elf"
	"errors"
	"fmt"
	"slices"

	"github.com/ianlancetaylor/demangle"

	"github.com/emutrace/qtrace/libpf"
)

// ErrNoSymbols is returned for ELF files without a usable symbol table.
var ErrNoSymbols = errors.New("no symbol table")

// LoadOptions control which ELF symbols end up in a table.
type LoadOptions struct {
	// IncludeLocal keeps local labels that are not functions. The kernel
	// has many meaningful assembly labels.
	IncludeLocal bool
	// Demangle converts C++ names to their source form.
	Demangle bool
}

// LoadELF reads the executable symbols of the ELF file at fsPath. guestPath
// is the path of the file inside the traced system and names the table.
func LoadELF(fsPath, guestPath string, opts LoadOptions) (*Table, error) {
	f, err := elf.Open(fsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return tableFromELF(f, guestPath, opts)
}

func tableFromELF(f *elf.File, path string, opts LoadOptions) (*Table, error) {
	elfSyms, err := f.Symbols()
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return nil, ErrNoSymbols
		}
		return nil, fmt.Errorf("failed to read symbols: %w", err)
	}

	var symFlags Flags
	interp := isInterpreterLib(path)
	if interp {
		symFlags = FlagInterpreter
	}

	syms := make([]Symbol, 0, len(elfSyms)+len(f.Sections)+2)
	zeroFound := false
	for _, s := range elfSyms {
		if s.Name == "" || s.Name[0] == '$' {
			continue
		}
		if s.Section == elf.SHN_UNDEF || int(s.Section) >= len(f.Sections) {
			continue
		}
		if f.Sections[s.Section].Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		typ, bind := elf.ST_TYPE(s.Info), elf.ST_BIND(s.Info)
		if !opts.IncludeLocal && bind == elf.STB_LOCAL && typ != elf.STT_FUNC {
			continue
		}
		if typ != elf.STT_FUNC && typ != elf.STT_NOTYPE {
			continue
		}
		if s.Value == 0 {
			zeroFound = true
		}
		// Thumb functions have the low bit set.
		syms = append(syms, Symbol{
			Addr:  libpf.Address(s.Value) &^ 1,
			Name:  s.Name,
			Flags: symFlags,
		})
	}

	if !zeroFound {
		syms = append(syms, Symbol{Addr: 0, Name: ZeroName})
	}
	syms = append(syms, Symbol{Addr: libpf.MaxAddress, Name: EndName})

	// Name executable sections that start where no symbol does, usually the
	// procedure linkage table.
	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		addr := libpf.Address(sec.Addr)
		if slices.ContainsFunc(syms, func(s Symbol) bool { return s.Addr == addr }) {
			continue
		}
		sym := Symbol{Addr: addr, Name: sec.Name}
		if sec.Name == ".plt" {
			sym.Name = path + pltSuffix
			sym.Flags = FlagPLT
			if interp {
				sym.Flags |= FlagInterpreter
			}
		}
		syms = append(syms, sym)
	}

	syms = SortAndDedupe(syms)
	if opts.Demangle {
		for i := range syms {
			syms[i].Name = demangleName(syms[i].Name)
		}
	}

	t := &Table{Path: path, Symbols: syms}
	if !zeroFound && len(syms) > 1 {
		t.MinAddr = syms[1].Addr
	}
	return t, nil
}

// demangleName demangles C++ symbol names. Only names of two or more bytes
// starting with an underscore are candidates.
func demangleName(name string) string {
	if len(name) <= 1 || name[0] != '_' {
		return name
	}
	return demangle.Filter(name)
}
