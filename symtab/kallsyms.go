// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package symtab // import "github.com/emutrace/qtrace/symtab"

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/emutrace/qtrace/libpf"
	"github.com/emutrace/qtrace/stringutil"
)

// ParseKallsyms reads kernel symbols in the format of System.map or
// /proc/kallsyms. Only text symbols of the kernel image are kept, module
// symbols and symbols at address zero are skipped.
func ParseKallsyms(r io.Reader, path string) (*Table, error) {
	syms := []Symbol{{Addr: 0, Name: ZeroName}}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		var fields [4]string
		nFields := stringutil.FieldsN(line, fields[:])
		if nFields < 3 {
			return nil, fmt.Errorf("unexpected line in kernel symbols: '%s'", line)
		}
		// Skip non-text symbols, see 'man nm'.
		if strings.IndexByte("TtVvWw", fields[1][0]) == -1 {
			continue
		}
		if fields[3] != "" {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse address value: '%s'", fields[0])
		}
		if addr == 0 {
			continue
		}
		syms = append(syms, Symbol{Addr: libpf.Address(addr), Name: fields[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(syms) == 1 {
		return nil, ErrNoSymbols
	}

	syms = append(syms, Symbol{Addr: libpf.MaxAddress, Name: EndName})
	syms = SortAndDedupe(syms)
	return &Table{Path: path, Symbols: syms, MinAddr: syms[1].Addr}, nil
}

// LoadKallsyms reads the kernel symbol file at hostPath.
func LoadKallsyms(hostPath, path string) (*Table, error) {
	f, err := os.Open(hostPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseKallsyms(f, path)
}
