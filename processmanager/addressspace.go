// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package processmanager // import "github.com/emutrace/qtrace/processmanager"

import (
	"cmp"
	"slices"

	"github.com/emutrace/qtrace/libpf"
)

// AddressSpace is the set of regions mapped by a process and its clones,
// sorted by start address.
type AddressSpace struct {
	regions []*Region
	// hasKernel is set once the kernel regions have been added.
	hasKernel bool
}

// Regions returns the address space's regions in address order.
func (as *AddressSpace) Regions() []*Region {
	return as.regions
}

// add inserts r keeping the address order and takes a hold on it.
func (as *AddressSpace) add(r *Region) {
	r.holders++
	idx, _ := slices.BinarySearchFunc(as.regions, r.VStart, compareStart)
	// Insert after regions with the same start.
	for idx < len(as.regions) && as.regions[idx].VStart == r.VStart {
		idx++
	}
	as.regions = slices.Insert(as.regions, idx, r)
}

func compareStart(r *Region, addr libpf.Address) int {
	return cmp.Compare(r.VStart, addr)
}

// findIndex returns the index of the region starting at addr, or else of
// the closest one starting before it. Addresses before the first region
// resolve to index 0; the result is -1 only for an empty address space.
func (as *AddressSpace) findIndex(addr libpf.Address) int {
	if len(as.regions) == 0 {
		return -1
	}
	idx, found := slices.BinarySearchFunc(as.regions, addr, compareStart)
	if found {
		return idx
	}
	return max(idx-1, 0)
}

// find returns the region for addr, see findIndex.
func (as *AddressSpace) find(addr libpf.Address) *Region {
	idx := as.findIndex(addr)
	if idx < 0 {
		return unknownRegion
	}
	return as.regions[idx]
}

// remove unmaps [vstart, vend). Only two shapes are handled: the exact
// range of a region, which drops it, and the tail of a region, which
// truncates it. Other ranges are ignored. release is called for regions
// that lost their last holder.
func (as *AddressSpace) remove(vstart, vend libpf.Address, release func(*Region)) {
	idx := as.findIndex(vstart)
	if idx < 0 {
		return
	}
	r := as.regions[idx]
	if vstart < r.VStart || vend > r.VEnd {
		return
	}

	switch {
	case vstart == r.VStart && vend == r.VEnd:
		as.drop(r, release)
		as.regions = slices.Delete(as.regions, idx, idx+1)
	case vstart > r.VStart && vend == r.VEnd:
		truncated := r
		if r.holders > 1 {
			r.holders--
			truncated = r.privateCopy()
			truncated.holders = 1
		}
		truncated.VEnd = vstart
		as.regions[idx] = truncated
	}
}

// drop releases the hold of this address space on r.
func (as *AddressSpace) drop(r *Region, release func(*Region)) {
	r.holders--
	if r.holders == 0 && release != nil {
		release(r)
	}
}

// copy returns a new address space holding the same regions.
func (as *AddressSpace) copy() *AddressSpace {
	c := &AddressSpace{
		regions:   slices.Clone(as.regions),
		hasKernel: as.hasKernel,
	}
	for _, r := range c.regions {
		r.holders++
	}
	return c
}

// clear drops every region.
func (as *AddressSpace) clear(release func(*Region)) {
	for _, r := range as.regions {
		as.drop(r, release)
	}
	as.regions = nil
	as.hasKernel = false
}
