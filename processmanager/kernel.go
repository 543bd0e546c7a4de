// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package processmanager // import "github.com/emutrace/qtrace/processmanager"

import (
	"slices"

	"github.com/emutrace/qtrace/libpf"
	"github.com/emutrace/qtrace/symtab"
)

// Kernel address space layout.
const (
	// VectorsStart is the address of the exception vector page.
	VectorsStart libpf.Address = 0xffff0000
	// KernelEnd bounds the region of the kernel image.
	KernelEnd = VectorsStart
)

type predefinedRegion struct {
	path    string
	vstart  libpf.Address
	vend    libpf.Address
	base    libpf.Address
	flags   RegionFlags
	symbols []symtab.Symbol
}

// predefinedRegions are code ranges that exist before the kernel image is
// loaded and have no backing file.
var predefinedRegions = []predefinedRegion{
	{
		path: "(bootloader)", vstart: 0, vend: 0x14, base: 0,
		symbols: []symtab.Symbol{
			{Addr: 0, Name: "(bootloader_start)"},
			{Addr: 0x14, Name: "(bootloader_end)"},
		},
	},
	{
		path: "(exception vectors)", vstart: VectorsStart, vend: 0xffff0500, base: VectorsStart,
		symbols: []symtab.Symbol{
			{Addr: 0, Name: "(vector_start)", Flags: symtab.FlagVectorStart},
			{Addr: 0x500, Name: "(vector_end)"},
		},
	},
	{
		path: "(atomic ops)", vstart: 0xffff0f80, vend: 0xffff1000, base: 0xffff0f80,
		flags: RegionUserMapped,
		symbols: []symtab.Symbol{
			{Addr: 0, Name: "(kuser_atomic_inc)"},
			{Addr: 0x20, Name: "(kuser_atomic_dec)"},
			{Addr: 0x40, Name: "(kuser_cmpxchg)"},
			{Addr: 0x80, Name: "(kuser_end)"},
		},
	},
}

func (pm *ProcessManager) addPredefinedRegions(p *Process) {
	for _, def := range predefinedRegions {
		r := &Region{
			Path:   def.path,
			VStart: def.vstart,
			VEnd:   def.vend,
			Base:   def.base,
			Flags:  RegionKernel | def.flags,
			Table:  symtab.NewTable(def.path, slices.Clone(def.symbols)...),
		}
		p.as.add(r)
		pm.regions[r.Path] = r
	}
}

// readKernelSymbols adds the kernel image to the address space of the idle
// process, from where it is copied to every other process. Local labels are
// kept, kernel assembly uses them for real entry points. The symbol map is
// read if the image is missing or has no symbols.
func (pm *ProcessManager) readKernelSymbols(imagePath, mapPath string) {
	var table *symtab.Table
	if imagePath != "" {
		table = pm.loader.LoadELF(imagePath, true)
	}
	if mapPath != "" && (table == nil || table.Placeholder) {
		table = pm.loader.LoadKallsyms(mapPath)
	}
	r := &Region{
		Path:   table.Path,
		VStart: table.MinAddr,
		VEnd:   KernelEnd,
		Flags:  RegionKernel,
		Table:  table,
	}
	idle := pm.processes[0]
	idle.as.add(r)
	idle.as.hasKernel = true
	pm.regions[r.Path] = r
}

// copyKernelRegions adds the kernel regions of the idle process to the
// address space of p unless it already has them.
func (pm *ProcessManager) copyKernelRegions(p *Process) {
	if p.as.hasKernel {
		return
	}
	for _, r := range pm.processes[0].as.regions {
		if r.IsKernel() {
			p.as.add(r)
		}
	}
	p.as.hasKernel = true
}
