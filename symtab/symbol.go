// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package symtab holds the symbol tables attached to mapped regions and the
// loaders that populate them from ELF files and dex method listings.
package symtab // import "github.com/emutrace/qtrace/symtab"

import (
	"cmp"
	"slices"
	"strings"

	"github.com/emutrace/qtrace/libpf"
)

// Flags describe special properties of a symbol.
type Flags uint32

const (
	// FlagPLT marks the procedure linkage table of a library.
	FlagPLT Flags = 1 << iota
	// FlagVectorStart marks the entry of the exception vector table.
	FlagVectorStart
	// FlagInterpreter marks code of the managed runtime interpreter.
	FlagInterpreter
	// FlagMethod marks a managed method from a dex listing.
	FlagMethod

	// FlagVectorTable marks symbols that are always entered by a call and
	// are transparently popped once the real target runs.
	FlagVectorTable = FlagPLT | FlagVectorStart
)

// Names of the synthetic symbols added to every table.
const (
	UnknownName    = "(unknown)"
	ZeroName       = "(0 unknown)"
	EndName        = "(end)"
	pltSuffix      = ":.plt"
	interpreterLib = "libdvm.so"
)

// Symbol is one function or label. Addr is relative to the base address of
// the region the table is attached to.
type Symbol struct {
	Addr  libpf.Address
	Name  string
	Flags Flags
}

// Has reports whether any of flags is set.
func (s *Symbol) Has(flags Flags) bool {
	return s.Flags&flags != 0
}

// Unknown is returned for addresses no symbol covers.
var Unknown = &Symbol{Name: UnknownName}

// Table is an immutable, address sorted and deduplicated symbol array.
// Tables are shared by all regions mapping the same file.
type Table struct {
	Path    string
	Symbols []Symbol
	// MinAddr is the lowest real symbol address.
	MinAddr libpf.Address
	// Placeholder is set for tables synthesized after a failed load.
	Placeholder bool
}

// NewTable returns a table holding syms in the order given. The caller
// guarantees the order and uniqueness of the addresses.
func NewTable(path string, syms ...Symbol) *Table {
	return &Table{Path: path, Symbols: syms}
}

// UnknownTable returns the placeholder table used when no symbols can be
// loaded for path.
func UnknownTable(path string) *Table {
	return &Table{
		Path:        path,
		Symbols:     []Symbol{{Addr: 0, Name: UnknownName}},
		Placeholder: true,
	}
}

// Len returns the number of symbols.
func (t *Table) Len() int {
	return len(t.Symbols)
}

// search returns the index of the symbol at addr, or of the closest symbol
// before it. The second result is false when the address matched exactly.
func (t *Table) search(addr libpf.Address) (int, bool) {
	idx, found := slices.BinarySearchFunc(t.Symbols, addr,
		func(s Symbol, a libpf.Address) int { return cmp.Compare(s.Addr, a) })
	if found {
		return idx, true
	}
	return idx - 1, false
}

// Lookup returns the closest symbol at or before addr and its index. Addresses
// before the first symbol resolve to Unknown with index -1.
func (t *Table) Lookup(addr libpf.Address) (*Symbol, int) {
	idx, _ := t.search(addr)
	if idx < 0 {
		return Unknown, -1
	}
	return &t.Symbols[idx], idx
}

// Exact returns the symbol at exactly addr.
func (t *Table) Exact(addr libpf.Address) (*Symbol, bool) {
	idx, found := t.search(addr)
	if !found {
		return nil, false
	}
	return &t.Symbols[idx], true
}

// Contains reports whether addr lies in [Symbols[idx].Addr, Symbols[idx+1].Addr).
// The last symbol extends without bound.
func (t *Table) Contains(idx int, addr libpf.Address) bool {
	if idx < 0 || idx >= len(t.Symbols) || addr < t.Symbols[idx].Addr {
		return false
	}
	return idx+1 == len(t.Symbols) || addr < t.Symbols[idx+1].Addr
}

// FindByName returns the first symbol called name.
func (t *Table) FindByName(name string) (*Symbol, bool) {
	for i := range t.Symbols {
		if t.Symbols[i].Name == name {
			return &t.Symbols[i], true
		}
	}
	return nil, false
}

// leadingUnderscores counts the '_' characters a name starts with.
func leadingUnderscores(name string) int {
	return len(name) - len(strings.TrimLeft(name, "_"))
}

// compareSymbols orders by address, then puts names with more leading
// underscores last, then orders by name.
func compareSymbols(a, b Symbol) int {
	if c := cmp.Compare(a.Addr, b.Addr); c != 0 {
		return c
	}
	if c := cmp.Compare(leadingUnderscores(a.Name), leadingUnderscores(b.Name)); c != 0 {
		return c
	}
	return strings.Compare(a.Name, b.Name)
}

// SortAndDedupe sorts syms and keeps only the first symbol of each address.
func SortAndDedupe(syms []Symbol) []Symbol {
	slices.SortFunc(syms, compareSymbols)
	return slices.CompactFunc(syms, func(a, b Symbol) bool { return a.Addr == b.Addr })
}

// isInterpreterLib reports whether path names the managed runtime library.
func isInterpreterLib(path string) bool {
	base := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		base = path[i+1:]
	}
	return base == interpreterLib
}
