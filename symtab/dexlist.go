// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package symtab // import "github.com/emutrace/qtrace/symtab"

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emutrace/qtrace/libpf"
	"github.com/emutrace/qtrace/stringutil"
)

// ErrDexFileNotListed is returned when the dexlist does not describe the dex
// file that was mapped by the traced system.
var ErrDexFileNotListed = errors.New("mapped dex file not found in dexlist")

// DexMethod is one managed method of a dex file.
type DexMethod struct {
	Addr libpf.Address
	Len  uint32
	// Name is "class.method" followed by the signature.
	Name string
	File string
	Line int
}

// DexFile lists the methods of one archive.
type DexFile struct {
	Path    string
	Methods []DexMethod
}

// Table returns the symbol table of the dex file.
func (d *DexFile) Table() *Table {
	syms := make([]Symbol, 0, len(d.Methods)+1)
	for _, m := range d.Methods {
		syms = append(syms, Symbol{Addr: m.Addr, Name: m.Name, Flags: FlagMethod})
	}
	syms = append(syms, Symbol{Addr: libpf.MaxAddress, Name: EndName, Flags: FlagMethod})
	return &Table{Path: d.Path, Symbols: SortAndDedupe(syms)}
}

// DexList maps archive paths to their method listings.
type DexList map[string]*DexFile

// ParseDexList parses a dexlist. Lines starting with '#' name a file, other
// lines describe a method of the preceding file:
//
//	0x<addr> <len> <class> <method> <signature> <source file> <line>
//
// The file names carry a host specific prefix. It is determined by locating
// mappedPath, a dex archive path seen in the trace, at the end of a file
// line, and stripped from all file names.
func ParseDexList(r io.Reader, mappedPath string) (DexList, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dexlist: %w", err)
	}

	prefixLen := -1
	for _, line := range lines {
		if !strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line[1:], mappedPath); idx >= 0 &&
			idx+1+len(mappedPath) == len(line) {
			prefixLen = idx + 1
			break
		}
	}
	if prefixLen < 0 {
		return nil, fmt.Errorf("%w: %s", ErrDexFileNotListed, mappedPath)
	}

	list := make(DexList)
	var current *DexFile
	var fields [7]string
	for num, line := range lines {
		if strings.HasPrefix(line, "#") {
			if len(line) < prefixLen {
				return nil, fmt.Errorf("dexlist line %d: file name shorter than common prefix",
					num+1)
			}
			current = &DexFile{Path: line[prefixLen:]}
			list[current.Path] = current
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if stringutil.FieldsN(line, fields[:]) != len(fields) {
			return nil, fmt.Errorf("cannot parse dexlist line %d: %q", num+1, line)
		}
		m, err := parseDexMethod(fields)
		if err != nil {
			return nil, fmt.Errorf("cannot parse dexlist line %d: %w", num+1, err)
		}
		if current != nil {
			current.Methods = append(current.Methods, m)
		}
	}
	return list, nil
}

func parseDexMethod(fields [7]string) (DexMethod, error) {
	addr, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 32)
	if err != nil {
		return DexMethod{}, err
	}
	length, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return DexMethod{}, err
	}
	line, err := strconv.Atoi(fields[6])
	if err != nil {
		return DexMethod{}, err
	}
	return DexMethod{
		Addr: libpf.Address(addr),
		Len:  uint32(length),
		Name: fields[2] + "." + fields[3] + fields[4],
		File: fields[5],
		Line: line,
	}, nil
}
