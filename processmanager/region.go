// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package processmanager // import "github.com/emutrace/qtrace/processmanager"

import (
	"github.com/emutrace/qtrace/libpf"
	"github.com/emutrace/qtrace/symtab"
)

// RegionFlags describe a mapped region.
type RegionFlags uint32

const (
	// RegionKernel marks kernel code present in every address space.
	RegionKernel RegionFlags = 1 << iota
	// RegionSharedSymbols marks a region using the symbol table of another
	// region for the same path.
	RegionSharedSymbols
	// RegionLibrary marks every mapping but the first of a process.
	RegionLibrary
	// RegionUserMapped marks kernel code that user space executes directly.
	RegionUserMapped
)

// Region is a contiguous range of a process address space backed by one
// file. Regions are shared between address spaces; holders counts them.
type Region struct {
	Path   string
	VStart libpf.Address
	VEnd   libpf.Address
	Offset uint32
	// Base is subtracted from an address before looking up its symbol.
	Base  libpf.Address
	Flags RegionFlags
	Table *symtab.Table

	holders int
}

// Has reports whether any of flags is set.
func (r *Region) Has(flags RegionFlags) bool {
	return r.Flags&flags != 0
}

// IsKernel reports whether r holds kernel code.
func (r *Region) IsKernel() bool {
	return r.Has(RegionKernel)
}

// Contains reports whether addr lies in [VStart, VEnd).
func (r *Region) Contains(addr libpf.Address) bool {
	return addr >= r.VStart && addr < r.VEnd
}

// Holders returns the number of address spaces holding r.
func (r *Region) Holders() int {
	return r.holders
}

// Lookup returns the symbol covering addr and its table index.
func (r *Region) Lookup(addr libpf.Address) (*symtab.Symbol, int) {
	return r.Table.Lookup(addr - r.Base)
}

// privateCopy returns an unshared copy of r using the same symbols.
func (r *Region) privateCopy() *Region {
	c := *r
	c.holders = 0
	return &c
}

// unknownRegion is returned for lookups in an empty address space.
var unknownRegion = &Region{
	Path:  symtab.UnknownName,
	Table: symtab.UnknownTable(symtab.UnknownName),
}
