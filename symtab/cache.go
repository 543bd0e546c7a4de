// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package symtab // import "github.com/emutrace/qtrace/symtab"

import (
	"sync/atomic"

	lru "github.com/elastic/go-freelru"

	"github.com/emutrace/qtrace/libpf"
)

// TableKind tells apart the tables parsed from the same file with different
// options or parsers.
type TableKind uint8

const (
	// KindELF is an ELF symbol table without local labels.
	KindELF TableKind = iota
	// KindELFLocal is an ELF symbol table including local labels.
	KindELFLocal
	// KindKallsyms is a kernel symbol list.
	KindKallsyms
)

// CacheKey identifies a parsed table by host path and kind.
type CacheKey struct {
	Path libpf.Path
	Kind TableKind
}

// Hash32 returns a 32 bits hash of the key for the LRU.
func (k CacheKey) Hash32() uint32 {
	return k.Path.Hash32() ^ uint32(k.Kind)*0x9e3779b9
}

// Cache keeps recently parsed tables keyed by the host path of their file,
// so that a library unmapped by every process and mapped again later is not
// parsed twice.
type Cache struct {
	lru *lru.LRU[CacheKey, *Table]

	hit     atomic.Uint64
	miss    atomic.Uint64
	added   atomic.Uint64
	deleted atomic.Uint64
}

// CacheStatistics counts cache operations since the last reset.
type CacheStatistics struct {
	Hit     uint64
	Miss    uint64
	Added   uint64
	Deleted uint64
}

// NewCache returns a cache holding at most capacity tables.
func NewCache(capacity uint32) (*Cache, error) {
	c, err := lru.New[CacheKey, *Table](capacity, CacheKey.Hash32)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

// Get returns the table cached for key.
func (c *Cache) Get(key CacheKey) (*Table, bool) {
	t, ok := c.lru.Get(key)
	if ok {
		c.hit.Add(1)
	} else {
		c.miss.Add(1)
	}
	return t, ok
}

// Add stores t for key, evicting the least recently used table if needed.
func (c *Cache) Add(key CacheKey, t *Table) {
	if c.lru.Add(key, t) {
		c.deleted.Add(1)
	}
	c.added.Add(1)
}

// Len returns the number of cached tables.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// GetAndResetStatistics returns the counters and resets them to zero.
func (c *Cache) GetAndResetStatistics() CacheStatistics {
	return CacheStatistics{
		Hit:     c.hit.Swap(0),
		Miss:    c.miss.Swap(0),
		Added:   c.added.Swap(0),
		Deleted: c.deleted.Swap(0),
	}
}
