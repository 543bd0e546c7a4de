// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package processmanager // import "github.com/emutrace/qtrace/processmanager"

import (
	"fmt"

	"github.com/emutrace/qtrace/libpf"
	"github.com/emutrace/qtrace/symtab"
)

// Function is a resolved code location.
type Function struct {
	Symbol *symtab.Symbol
	Region *Region
	// VM is the native function executing the managed method Symbol, nil
	// for native code.
	VM *Function
}

// Same reports whether f and o resolve to the same symbol.
func (f Function) Same(o Function) bool {
	return f.Symbol == o.Symbol
}

// Native returns the native function executing f.
func (f Function) Native() Function {
	if f.VM != nil {
		return *f.VM
	}
	return f
}

// Addr returns the absolute address of the function entry.
func (f Function) Addr() libpf.Address {
	return f.Region.Base + f.Symbol.Addr
}

// IsKernel reports whether f is kernel code.
func (f Function) IsKernel() bool {
	return f.Region != nil && f.Region.IsKernel()
}

// Name returns the symbol name.
func (f Function) Name() string {
	if f.Symbol == nil {
		return symtab.UnknownName
	}
	return f.Symbol.Name
}

// lookupCache remembers the last native resolution. It is dropped whenever a
// process event changes an address space.
type lookupCache struct {
	valid bool
	pid   libpf.PID
	fn    Function
	idx   int
}

func (c *lookupCache) invalidate() {
	c.valid = false
}

func (c *lookupCache) match(pid libpf.PID, addr libpf.Address) bool {
	if !c.valid || c.pid != pid || !c.fn.Region.Contains(addr) {
		return false
	}
	return c.fn.Region.Table.Contains(c.idx, addr-c.fn.Region.Base)
}

// LookupFunction resolves addr in the address space of pid. When a managed
// method is executing at time, the method is returned with VM set to the
// native resolution.
func (pm *ProcessManager) LookupFunction(pid libpf.PID, addr libpf.Address,
	time uint64) (Function, error) {
	var fn Function
	if pm.cache.match(pid, addr) {
		fn = pm.cache.fn
	} else {
		p, ok := pm.processes[pid]
		if !ok {
			pm.cache.invalidate()
			return Function{}, fmt.Errorf("%w %d", ErrUnknownProcess, pid)
		}
		r := p.as.find(addr)
		sym, idx := r.Lookup(addr)
		fn = Function{Symbol: sym, Region: r}
		pm.cache = lookupCache{valid: idx >= 0, pid: pid, fn: fn, idx: idx}
	}

	method, err := pm.CurrentMethod(pid, time)
	if err != nil {
		return Function{}, err
	}
	if method == nil {
		return fn, nil
	}
	resolved := *method
	resolved.VM = &fn
	return resolved, nil
}
