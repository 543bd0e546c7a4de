// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emutrace/qtrace/libpf"
	"github.com/emutrace/qtrace/symtab/elftest"
	"github.com/emutrace/qtrace/trace/tracetest"
)

const (
	appPath = "/system/bin/app"

	armMov = 0xe1a00000
	armBL  = 0xeb000010
	armBX  = 0xe12fff1e
)

// writeTrace creates a trace of pid 5 calling helper from main and returning,
// together with a file system root holding the executable.
func writeTrace(t *testing.T) (dir, root string) {
	t.Helper()
	root = t.TempDir()
	app := &elftest.File{
		TextAddr: 0x8000, TextSize: 0x400,
		Symbols: []elftest.Symbol{
			elftest.Func("main", 0x8100),
			elftest.Func("helper", 0x8200),
		},
	}
	hostPath := filepath.Join(root, appPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(hostPath), 0o755))
	require.NoError(t, app.WriteFile(hostPath))

	b := tracetest.New()
	call := b.AddBlock(0x8100, false, armMov, armBL)
	callee := b.AddBlock(0x8200, false, armMov, armBX)
	ret := b.AddBlock(0x8108, false, armMov)
	b.Switch(1, 5)
	b.Name(2, 5, "app")
	b.Mmap(3, 0x8000, 0x9000, 0, appPath)
	b.BB(10, call, 0, 0)
	b.BB(20, callee, 0, 0)
	b.BB(30, ret, 0, 0)

	dir, err := b.Write(filepath.Join(t.TempDir(), "trace"))
	require.NoError(t, err)
	return dir, root
}

func runCmd(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, newRootCmd(&out).ParseAndRun(context.Background(), args))
	return out.String()
}

func decodeLines[T any](t *testing.T, out string) []T {
	t.Helper()
	var recs []T
	dec := json.NewDecoder(strings.NewReader(out))
	for dec.More() {
		var rec T
		require.NoError(t, dec.Decode(&rec))
		recs = append(recs, rec)
	}
	return recs
}

func TestRootHelp(t *testing.T) {
	err := newRootCmd(&bytes.Buffer{}).ParseAndRun(context.Background(), nil)
	assert.ErrorIs(t, err, flag.ErrHelp)
}

func TestMissingTraceDir(t *testing.T) {
	err := newRootCmd(&bytes.Buffer{}).ParseAndRun(context.Background(), []string{"events"})
	assert.Error(t, err)
}

func TestBlocks(t *testing.T) {
	dir, _ := writeTrace(t)

	assert.Equal(t, "0 0x00008100 arm 2\n"+
		"1 0x00008200 arm 2\n"+
		"2 0x00008108 arm 1\n", runCmd(t, "blocks", dir))

	out := runCmd(t, "blocks", "-disasm", dir)
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 8)
	assert.True(t, strings.HasPrefix(lines[1], "  00008100: "), lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "  00008104: "), lines[2])

	recs := decodeLines[blockJSON](t, runCmd(t, "blocks", "-json", "-disasm", dir))
	require.Len(t, recs, 3)
	assert.Equal(t, uint32(0x8200), recs[1].Addr)
	assert.Len(t, recs[1].Insns, 2)
}

func TestEvents(t *testing.T) {
	dir, root := writeTrace(t)

	assert.Equal(t, "10 p5 0x00008100 2 main /system/bin/app\n"+
		"20 p5 0x00008200 2 helper /system/bin/app\n"+
		"30 p5 0x00008108 1 main /system/bin/app\n",
		runCmd(t, "events", "-root", root, dir))

	recs := decodeLines[eventJSON](t, runCmd(t, "events", "-root", root, "-json", dir))
	require.Len(t, recs, 3)
	assert.Equal(t, eventJSON{
		Time: 20, PID: 5, BB: 1, Addr: 0x8200, NumInsns: 2,
		Function: "helper", Region: appPath,
	}, recs[1])

	assert.Empty(t, runCmd(t, "events", "-root", root, "-pid", "6", dir))
}

func TestStacks(t *testing.T) {
	dir, root := writeTrace(t)

	assert.Equal(t, "10 p5 push 0 main\n"+
		"20 p5 push 1 helper\n"+
		"30 p5 pop 1 helper\n"+
		"30 p5 pop 0 main\n",
		runCmd(t, "stacks", "-root", root, dir))

	recs := decodeLines[frameJSON](t, runCmd(t, "stacks", "-root", root, "-json", dir))
	require.Len(t, recs, 4)
	assert.Equal(t, frameJSON{
		Time: 10, GlobalTime: 20, PID: 5, Action: "push", Level: 1,
		Function: "helper", Kind: "native", ReturnAddr: 0x8108,
	}, recs[1])
}

func TestProcs(t *testing.T) {
	dir, root := writeTrace(t)

	recs := decodeLines[processJSON](t,
		runCmd(t, "procs", "-root", root, "-json", "-regions", "-pid", "5", dir))
	require.Len(t, recs, 1)
	p := recs[0]
	assert.Equal(t, int32(5), p.PID)
	assert.Equal(t, "app", p.Name)
	var paths []string
	for _, r := range p.Regions {
		paths = append(paths, r.Path)
	}
	assert.Contains(t, paths, appPath)

	out := runCmd(t, "procs", "-root", root, "-regions", dir)
	assert.Contains(t, out, appPath)
}

func TestPidFilter(t *testing.T) {
	tests := map[string]struct {
		pids    string
		want    libpf.Set[libpf.PID]
		wantErr bool
	}{
		"empty":        {pids: "", want: libpf.Set[libpf.PID]{}},
		"list":         {pids: "5, 7,", want: libpf.Set[libpf.PID]{5: {}, 7: {}}},
		"not a number": {pids: "5,x", wantErr: true},
		"out of range": {pids: "40000", wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			args := traceArgs{pids: tc.pids}
			filter, err := args.pidFilter()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, filter)
		})
	}
}
