// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package symtab

import (
	"debug/elf"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emutrace/qtrace/libpf"
	"github.com/emutrace/qtrace/symtab/elftest"
)

func names(t *Table) []string {
	out := make([]string, 0, t.Len())
	for _, s := range t.Symbols {
		out = append(out, s.Name)
	}
	return out
}

func TestTableLookup(t *testing.T) {
	table := NewTable("/bin/app",
		Symbol{Addr: 0x100, Name: "a"},
		Symbol{Addr: 0x200, Name: "b"},
		Symbol{Addr: libpf.MaxAddress, Name: EndName})

	tests := map[string]struct {
		addr     libpf.Address
		name     string
		idx      int
		exact    bool
		contains bool
	}{
		"before first": {addr: 0x10, name: UnknownName, idx: -1},
		"exact first":  {addr: 0x100, name: "a", idx: 0, exact: true, contains: true},
		"inside first": {addr: 0x1ff, name: "a", idx: 0, contains: true},
		"second":       {addr: 0x250, name: "b", idx: 1, contains: true},
		"end":          {addr: libpf.MaxAddress, name: EndName, idx: 2, exact: true, contains: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			sym, idx := table.Lookup(tc.addr)
			assert.Equal(t, tc.name, sym.Name)
			assert.Equal(t, tc.idx, idx)
			_, exact := table.Exact(tc.addr)
			assert.Equal(t, tc.exact, exact)
			assert.Equal(t, tc.contains, table.Contains(idx, tc.addr))
		})
	}
}

func TestSortAndDedupe(t *testing.T) {
	syms := SortAndDedupe([]Symbol{
		{Addr: 0x20, Name: "zeta"},
		{Addr: 0x10, Name: "__impl"},
		{Addr: 0x10, Name: "_impl"},
		{Addr: 0x10, Name: "wrapper"},
		{Addr: 0x20, Name: "alpha"},
	})
	require.Len(t, syms, 2)
	assert.Equal(t, "wrapper", syms[0].Name)
	assert.Equal(t, "alpha", syms[1].Name)
}

func writeELF(t *testing.T, f *elftest.File, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, f.WriteFile(path))
	return path
}

func testLibrary() *elftest.File {
	return &elftest.File{
		TextAddr: 0x1000, TextSize: 0x200,
		PLTAddr: 0x800, PLTSize: 0x40,
		DataAddr: 0x2000, DataSize: 0x10,
		Symbols: []elftest.Symbol{
			elftest.Func("main", 0x1001),
			elftest.Func("helper", 0x1040),
			elftest.Func("__helper_alias", 0x1040),
			elftest.Func("$a", 0x1000),
			elftest.Func("_Z3fooi", 0x1100),
			{Name: "local_label", Value: 0x1080, Type: elf.STT_NOTYPE,
				Bind: elf.STB_LOCAL, Section: ".text"},
			{Name: "static_fn", Value: 0x10c0, Type: elf.STT_FUNC,
				Bind: elf.STB_LOCAL, Section: ".text"},
			{Name: "global_data", Value: 0x2000, Type: elf.STT_OBJECT,
				Bind: elf.STB_GLOBAL, Section: ".data"},
			{Name: "imported", Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL},
			{Name: "absolute", Value: 0x1180, Type: elf.STT_FUNC,
				Bind: elf.STB_GLOBAL, Section: "*ABS*"},
		},
	}
}

func TestLoadELF(t *testing.T) {
	path := writeELF(t, testLibrary(), "libfoo.so")

	tests := map[string]struct {
		opts     LoadOptions
		expected []string
	}{
		"default": {
			opts: LoadOptions{},
			expected: []string{ZeroName, "/system/lib/libfoo.so:.plt", "main", "helper",
				"static_fn", "_Z3fooi", EndName},
		},
		"local labels": {
			opts: LoadOptions{IncludeLocal: true},
			expected: []string{ZeroName, "/system/lib/libfoo.so:.plt", "main", "helper",
				"local_label", "static_fn", "_Z3fooi", EndName},
		},
		"demangled": {
			opts: LoadOptions{Demangle: true},
			expected: []string{ZeroName, "/system/lib/libfoo.so:.plt", "main", "helper",
				"static_fn", "foo(int)", EndName},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			table, err := LoadELF(path, "/system/lib/libfoo.so", tc.opts)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, names(table))
			assert.Equal(t, libpf.Address(0x800), table.MinAddr)
			assert.False(t, table.Placeholder)

			sym, _ := table.Lookup(0x100a)
			assert.Equal(t, "main", sym.Name)
			plt, ok := table.Exact(0x800)
			require.True(t, ok)
			assert.Equal(t, FlagPLT, plt.Flags)
		})
	}
}

func TestLoadELFInterpreter(t *testing.T) {
	path := writeELF(t, testLibrary(), "libdvm.so")
	table, err := LoadELF(path, "/system/lib/libdvm.so", LoadOptions{})
	require.NoError(t, err)

	for _, s := range table.Symbols {
		switch s.Name {
		case ZeroName, EndName:
			assert.Zero(t, s.Flags, s.Name)
		case "/system/lib/libdvm.so:.plt":
			assert.Equal(t, FlagPLT|FlagInterpreter, s.Flags)
		default:
			assert.Equal(t, FlagInterpreter, s.Flags, s.Name)
		}
	}
}

func TestLoadELFZeroSymbol(t *testing.T) {
	path := writeELF(t, &elftest.File{
		TextAddr: 0, TextSize: 0x100,
		Symbols: []elftest.Symbol{
			elftest.Func("start", 0),
			elftest.Func("next", 0x40),
		},
	}, "zero")
	table, err := LoadELF(path, "/zero", LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "next", EndName}, names(table))
	assert.Equal(t, libpf.Address(0), table.MinAddr)
}

func TestLoader(t *testing.T) {
	root := t.TempDir()
	lib := testLibrary()
	require.NoError(t, lib.WriteFile(filepath.Join(root, "libfoo.so")))

	loader, err := NewLoader(root, false, 4)
	require.NoError(t, err)

	first := loader.LoadELF("/libfoo.so", false)
	second := loader.LoadELF("/libfoo.so", false)
	assert.Same(t, first, second)
	assert.Equal(t, CacheStatistics{Hit: 1, Miss: 1, Added: 1}, loader.Cache().GetAndResetStatistics())

	missing := loader.LoadELF("/nonexistent.so", false)
	assert.True(t, missing.Placeholder)
	assert.Equal(t, []string{UnknownName}, names(missing))
	assert.Equal(t, "/nonexistent.so", missing.Path)
	assert.Equal(t, 1, loader.Cache().Len())
}

func TestLoaderLocalSymbols(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, testLibrary().WriteFile(filepath.Join(root, "libfoo.so")))

	loader, err := NewLoader(root, false, 4)
	require.NoError(t, err)

	global := loader.LoadELF("/libfoo.so", false)
	local := loader.LoadELF("/libfoo.so", true)
	assert.NotSame(t, global, local)
	assert.NotContains(t, names(global), "local_label")
	assert.Contains(t, names(local), "local_label")
	assert.Same(t, local, loader.LoadELF("/libfoo.so", true))
	assert.Equal(t, 2, loader.Cache().Len())
}

func TestLoaderRootSlash(t *testing.T) {
	loader, err := NewLoader("/", false, 0)
	require.NoError(t, err)
	assert.Equal(t, "/system/bin/app", loader.HostPath("/system/bin/app"))
}

const dexlist = `#/host/out/system/framework/core.jar
0x1000 32 Ljava/lang/Object; <init> ()V Object.java 12
0x1020 16 Ljava/lang/Object; hashCode ()I Object.java 40
#/host/out/data/app/Hello.apk
0x2000 8 LHello; main ([Ljava/lang/String;)V Hello.java 3

`

func TestParseDexList(t *testing.T) {
	list, err := ParseDexList(strings.NewReader(dexlist), "/data/app/Hello.apk")
	require.NoError(t, err)
	require.Len(t, list, 2)

	core := list["/system/framework/core.jar"]
	require.NotNil(t, core)
	require.Len(t, core.Methods, 2)
	assert.Equal(t, DexMethod{Addr: 0x1020, Len: 16,
		Name: "Ljava/lang/Object;.hashCode()I", File: "Object.java", Line: 40}, core.Methods[1])

	table := list["/data/app/Hello.apk"].Table()
	assert.Equal(t, []string{"LHello;.main([Ljava/lang/String;)V", EndName}, names(table))
	for _, s := range table.Symbols {
		assert.Equal(t, FlagMethod, s.Flags)
	}
}

func TestParseDexListErrors(t *testing.T) {
	tests := map[string]struct {
		input  string
		mapped string
		err    error
	}{
		"not listed": {input: dexlist, mapped: "/data/app/Other.apk", err: ErrDexFileNotListed},
		"not a suffix": {input: "#/host/data/app/Hello.apk.bak\n", mapped: "/data/app/Hello.apk",
			err: ErrDexFileNotListed},
		"bad method": {input: "#/host/a.jar\n0x10 nope LA; m ()V A.java 1\n", mapped: "/a.jar"},
		"short line": {input: "#/host/a.jar\n0x10 4 LA; m\n", mapped: "/a.jar"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDexList(strings.NewReader(tc.input), tc.mapped)
			require.Error(t, err)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
			}
		})
	}
}

const systemMap = `c0008000 T stext
c0008000 T _text
c0008100 t __irq_svc
c0009000 D init_task
00000000 A __vectors_start
c000a000 T ext4_fill_super	[ext4]
c0008200 W __cpu_idle
c0008200 W cpu_idle
`

func TestParseKallsyms(t *testing.T) {
	table, err := ParseKallsyms(strings.NewReader(systemMap), "/System.map")
	require.NoError(t, err)
	// Of the names sharing an address, the one with fewer leading
	// underscores is kept regardless of its position in the file.
	assert.Equal(t, []string{ZeroName, "stext", "__irq_svc", "cpu_idle", EndName}, names(table))
	assert.Equal(t, libpf.Address(0xc0008000), table.MinAddr)
	assert.Equal(t, "/System.map", table.Path)

	sym, _ := table.Lookup(0xc0008150)
	assert.Equal(t, "__irq_svc", sym.Name)
}

func TestParseKallsymsErrors(t *testing.T) {
	tests := map[string]struct {
		input string
		err   error
	}{
		"no text":     {input: "c0009000 D init_task\n", err: ErrNoSymbols},
		"empty":       {input: "", err: ErrNoSymbols},
		"short line":  {input: "c0008000 T\n"},
		"bad address": {input: "zz T stext\n"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseKallsyms(strings.NewReader(tc.input), "/System.map")
			require.Error(t, err)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
			}
		})
	}
}

func TestLoaderKallsyms(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "System.map"), []byte(systemMap), 0o644))

	loader, err := NewLoader(root, false, 4)
	require.NoError(t, err)
	first := loader.LoadKallsyms("/System.map")
	assert.False(t, first.Placeholder)
	assert.Same(t, first, loader.LoadKallsyms("/System.map"))
	assert.True(t, loader.LoadKallsyms("/missing.map").Placeholder)
}
