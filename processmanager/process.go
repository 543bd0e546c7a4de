// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package processmanager // import "github.com/emutrace/qtrace/processmanager"

import (
	"fmt"
	"io"

	"github.com/emutrace/qtrace/libpf"
)

// ProcessFlags record lifecycle events seen for a process.
type ProcessFlags uint32

const (
	CalledExec ProcessFlags = 1 << iota
	CalledExit
	// IsClone marks a process sharing the address space of its parent.
	IsClone
	// HasFirstMmap is set once the process mapped its first file.
	HasFirstMmap
)

// Process is the state of one traced process.
type Process struct {
	PID       libpf.PID
	TGID      libpf.PID
	ParentPID libpf.PID
	Parent    *Process

	Name string
	Argv []string

	StartTime uint64
	// EndTime is the time the process was switched away from after calling
	// exit.
	EndTime    uint64
	CPUTime    uint64
	ExitStatus int32
	Flags      ProcessFlags

	as      *AddressSpace
	methods methodStack
}

func newProcess(pid libpf.PID, startTime uint64) *Process {
	return &Process{
		PID:       pid,
		StartTime: startTime,
		as:        &AddressSpace{},
	}
}

// Has reports whether any of flags is set.
func (p *Process) Has(flags ProcessFlags) bool {
	return p.Flags&flags != 0
}

// AddressSpace returns the address space the process runs in. Clones share
// the address space of their parent.
func (p *Process) AddressSpace() *AddressSpace {
	return p.as
}

// Regions returns the mapped regions in address order.
func (p *Process) Regions() []*Region {
	return p.as.regions
}

// DumpRegions writes one line per mapped region.
func (p *Process) DumpRegions(w io.Writer) error {
	for _, r := range p.as.regions {
		if _, err := fmt.Fprintf(w, "  %08x - %08x offset: %5x  nsyms: %4d refs: %d %s\n",
			uint32(r.VStart), uint32(r.VEnd), r.Offset, r.Table.Len(), r.holders-1,
			r.Path); err != nil {
			return err
		}
	}
	return nil
}

// DumpMethodStack writes the managed method stack, innermost last.
func (p *Process) DumpMethodStack(w io.Writer) error {
	for i, f := range p.methods.frames {
		native := " "
		if f.native {
			native = "n"
		}
		if _, err := fmt.Fprintf(w, "%2d: %s 0x%08x\n", i, native, uint32(f.addr)); err != nil {
			return err
		}
	}
	return nil
}
