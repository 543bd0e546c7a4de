// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package symtab // import "github.com/emutrace/qtrace/symtab"

import (
	log "github.com/sirupsen/logrus"

	"github.com/emutrace/qtrace/libpf"
)

// DefaultCacheSize is the number of parsed ELF tables kept by a Loader.
const DefaultCacheSize = 256

// Loader resolves guest paths below a host directory holding a copy of the
// traced system's files and loads their symbol tables.
type Loader struct {
	root     string
	demangle bool
	cache    *Cache
}

// NewLoader returns a loader for the file system tree at root. An empty root
// or "/" reads guest paths as host paths.
func NewLoader(root string, demangle bool, cacheSize uint32) (*Loader, error) {
	if cacheSize == 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := NewCache(cacheSize)
	if err != nil {
		return nil, err
	}
	if root == "/" {
		root = ""
	}
	return &Loader{root: root, demangle: demangle, cache: cache}, nil
}

// HostPath returns the host location of a guest path.
func (l *Loader) HostPath(guestPath string) string {
	return l.root + guestPath
}

// Cache returns the table cache of the loader.
func (l *Loader) Cache() *Cache {
	return l.cache
}

// LoadELF returns the symbol table of the guest file at path. Failing to read
// the file is not an error: the region gets a placeholder table and lookups
// resolve to UnknownName.
func (l *Loader) LoadELF(path string, includeLocal bool) *Table {
	hostPath := l.HostPath(path)
	key := CacheKey{Path: libpf.Path(hostPath), Kind: KindELF}
	if includeLocal {
		key.Kind = KindELFLocal
	}
	if t, ok := l.cache.Get(key); ok {
		return t
	}
	t, err := LoadELF(hostPath, path, LoadOptions{
		IncludeLocal: includeLocal,
		Demangle:     l.demangle,
	})
	if err != nil {
		log.Debugf("No symbols for %s: %v", hostPath, err)
		return UnknownTable(path)
	}
	l.cache.Add(key, t)
	return t
}

// LoadKallsyms returns the kernel symbols of the guest symbol map at path,
// or a placeholder table if it cannot be read.
func (l *Loader) LoadKallsyms(path string) *Table {
	hostPath := l.HostPath(path)
	key := CacheKey{Path: libpf.Path(hostPath), Kind: KindKallsyms}
	if t, ok := l.cache.Get(key); ok {
		return t
	}
	t, err := LoadKallsyms(hostPath, path)
	if err != nil {
		log.Warnf("No kernel symbols in %s: %v", hostPath, err)
		return UnknownTable(path)
	}
	l.cache.Add(key, t)
	return t
}
