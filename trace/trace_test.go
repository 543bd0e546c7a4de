// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trace_test

import (
	"encoding/binary"
	"errors"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emutrace/qtrace/libpf"
	"github.com/emutrace/qtrace/trace"
	"github.com/emutrace/qtrace/trace/tracetest"
)

func writeTrace(t *testing.T, b *tracetest.Builder) string {
	t.Helper()
	dir, err := b.Write(filepath.Join(t.TempDir(), "trace"))
	require.NoError(t, err)
	return dir
}

func openTrace(t *testing.T, b *tracetest.Builder) *trace.Reader {
	t.Helper()
	r, err := trace.Open(writeTrace(t, b))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, r.Close()) })
	return r
}

func readAllBB(t *testing.T, r *trace.Reader) []trace.BBEvent {
	t.Helper()
	var events []trace.BBEvent
	for {
		ev, err := r.ReadBB()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestPath(t *testing.T) {
	tests := map[string]struct {
		dir     string
		want    string
		wantErr bool
	}{
		"plain":          {dir: "/tmp/trace", want: "/tmp/trace/qtrace.bb"},
		"trailing slash": {dir: "/tmp/trace/", want: "/tmp/trace/qtrace.bb"},
		"relative":       {dir: "trace", want: "trace/qtrace.bb"},
		"empty":          {dir: "", wantErr: true},
		"root":           {dir: "/", wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := trace.Path(tc.dir, trace.ExtBB)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExtractDexPath(t *testing.T) {
	tests := map[string]struct {
		mmap string
		want string
		ok   bool
	}{
		"dalvik cache": {
			mmap: "/data/dalvik-cache/system@app@TestHarness.apk@classes.dex",
			want: "/system/app/TestHarness.apk",
			ok:   true,
		},
		"framework jar": {
			mmap: "/data/dalvik-cache/system@framework@core.jar@classes.dex",
			want: "/system/framework/core.jar",
			ok:   true,
		},
		"shared library": {mmap: "/system/lib/libc.so"},
		"at before slash": {mmap: "/data/a@b/libfoo.so"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, ok := trace.ExtractDexPath(tc.mmap)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBasicBlockMergeOrdering(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	b := tracetest.New()
	for i := 0; i < 64; i++ {
		b.AddBlock(libpf.Address(0x8000+i*0x10), false, 0xe1a00000, 0xe1a00000)
	}

	expected := 0
	now := uint64(0)
	for i := 0; i < 500; i++ {
		now += 1 + rng.Uint64N(20)
		repeat := uint64(0)
		if rng.IntN(3) == 0 {
			repeat = rng.Uint64N(10)
		}
		b.BB(now, rng.Uint64N(64), repeat, 1+rng.Uint64N(15))
		expected += 1 + int(repeat)
	}
	r := openTrace(t, b)

	events := readAllBB(t, r)
	assert.Len(t, events, expected)
	for i := 1; i < len(events); i++ {
		require.LessOrEqual(t, events[i-1].Time, events[i].Time, "event %d", i)
	}
}

func TestBasicBlockRepeatTies(t *testing.T) {
	b := tracetest.New()
	a := b.AddBlock(0x1000, false, 1)
	c := b.AddBlock(0x2000, true, 1, 2)
	// a runs at 10 and 15, c at 15: the decoded record wins the tie.
	b.BB(10, a, 1, 5)
	b.BB(15, c, 0, 0)
	r := openTrace(t, b)

	events := readAllBB(t, r)
	require.Len(t, events, 3)
	assert.Equal(t, []uint64{c, a}, []uint64{events[1].BBNum, events[2].BBNum})
	assert.Equal(t, uint64(15), events[1].Time)
	assert.Equal(t, uint64(15), events[2].Time)

	assert.True(t, events[1].Thumb)
	assert.Equal(t, libpf.Address(0x2000), events[1].Addr)
	assert.Equal(t, libpf.Address(0x2004), events[1].End())
	assert.Equal(t, libpf.Address(0x1004), events[0].End())
}

func TestFutureQueueExhaustion(t *testing.T) {
	b := tracetest.New()
	blk := b.AddBlock(0x1000, false, 1)
	// Every record repeats far into the future and keeps its slot.
	for i := uint64(1); i <= 1100; i++ {
		b.BB(i, blk, 1, 1<<40)
	}
	r := openTrace(t, b)

	var err error
	for err == nil {
		_, err = r.ReadBB()
	}
	assert.ErrorIs(t, err, trace.ErrFutureOverflow)
}

func TestExceptionTruncatesBlock(t *testing.T) {
	b := tracetest.New()
	blk := b.AddBlock(0x1000, false, 1, 2, 3, 4)
	b.BB(1, blk, 0, 0)
	b.BB(2, blk, 0, 0)
	b.BB(3, blk, 0, 0)
	b.Exc(trace.ExcRecord{Time: 2, CurrentPC: 0x1004, RecNum: 2, TargetPC: 0xffff0004,
		BBNum: blk, BBStartTime: 2, NumInsns: 2})
	r := openTrace(t, b)

	events := readAllBB(t, r)
	require.Len(t, events, 3)
	assert.Equal(t, []int{4, 2, 4},
		[]int{events[0].NumInsns, events[1].NumInsns, events[2].NumInsns})

	// The public exception cursor is independent of the internal one.
	exc, err := r.ReadException()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), exc.RecNum)
	assert.Equal(t, libpf.Address(0xffff0004), exc.TargetPC)
	_, err = r.ReadException()
	assert.ErrorIs(t, err, io.EOF)
	_, err = r.ReadException()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSwitchTracker(t *testing.T) {
	b := tracetest.New()
	blk := b.AddBlock(0x1000, false, 1)
	b.Switch(5, 7)
	b.Mmap(6, 0x8000, 0x9000, 0, "/system/bin/app")
	b.Switch(20, 9)
	for _, ts := range []uint64{1, 5, 10, 20, 30} {
		b.BB(ts, blk, 0, 0)
	}
	r := openTrace(t, b)

	var pids []libpf.PID
	for _, ev := range readAllBB(t, r) {
		pids = append(pids, ev.PID)
	}
	assert.Equal(t, []libpf.PID{0, 7, 7, 9, 9}, pids)
}

type fixedTracker libpf.PID

func (f fixedTracker) CurrentPID(uint64) (libpf.PID, error) {
	return libpf.PID(f), nil
}

func TestSetPidTracker(t *testing.T) {
	b := tracetest.New()
	blk := b.AddBlock(0x1000, false, 1)
	b.BB(1, blk, 2, 1)
	r := openTrace(t, b)
	r.SetPidTracker(fixedTracker(42))

	for _, ev := range readAllBB(t, r) {
		assert.Equal(t, libpf.PID(42), ev.PID)
	}
}

func TestPidEvents(t *testing.T) {
	b := tracetest.New()
	b.AddBlock(0x1000, false, 1)
	b.Fork(1, 1, 2)
	b.Clone(2, 1, 3)
	b.Switch(3, 2)
	b.Mmap(4, 0x8000, 0x9000, 0x1000, "/data/dalvik-cache/system@app@Foo.apk@classes.dex")
	b.Munmap(5, 0x8800, 0x9000)
	b.Exec(6, "/system/bin/sh", "-c", "ls")
	b.Name(7, 2, "sh")
	b.KthreadName(8, 1, 4, "kswapd")
	b.SymbolAdd(9, 0x4000, "jit")
	b.SymbolRemove(10, 0x4000)
	b.NoAction(11)
	b.Exit(12, -1)
	r := openTrace(t, b)

	var events []trace.PidEvent
	for {
		ev, err := r.ReadPidEvent()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
	require.Len(t, events, 12)

	assert.Equal(t, trace.PidEvent{Time: 1, Type: trace.PidFork, TGID: 1, PID: 2}, events[0])
	assert.Equal(t, trace.PidClone, events[1].Type)
	assert.Equal(t, libpf.PID(2), events[2].PID)

	mmap := events[3]
	assert.Equal(t, "/system/app/Foo.apk", mmap.Path)
	assert.Equal(t, "/data/dalvik-cache/system@app@Foo.apk@classes.dex", mmap.MmapPath)
	assert.True(t, mmap.IsDexMmap())
	assert.Equal(t, libpf.Address(0x8000), mmap.VStart)
	assert.Equal(t, libpf.Address(0x9000), mmap.VEnd)
	assert.Equal(t, uint32(0x1000), mmap.Offset)

	assert.Equal(t, libpf.Address(0x8800), events[4].VStart)
	assert.Equal(t, []string{"/system/bin/sh", "-c", "ls"}, events[5].Argv)
	assert.Equal(t, "sh", events[6].Path)
	assert.Equal(t, trace.PidEvent{Time: 8, Type: trace.PidKthreadName, TGID: 1, PID: 4,
		Path: "kswapd"}, events[7])
	assert.Equal(t, "jit", events[8].Path)
	assert.Equal(t, trace.PidSymbolRemove, events[9].Type)
	assert.Equal(t, trace.PidNoAction, events[10].Type)
	assert.Equal(t, int32(-1), events[11].ExitStatus)

	path, ok, err := r.FindDexMmap()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/system/app/Foo.apk", path)
}

func TestUnknownPidRecord(t *testing.T) {
	b := tracetest.New()
	b.AddBlock(0x1000, false, 1)
	b.Switch(1, 2)
	b.UnknownPidRecord(2, 42)
	b.Switch(3, 4)
	r := openTrace(t, b)

	var events []trace.PidEvent
	for {
		ev, err := r.ReadPidEvent()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
	assert.Equal(t, []trace.PidEvent{
		{Time: 1, Type: trace.PidSwitch, PID: 2},
		{Time: 2, Type: trace.PidNoAction},
		{Time: 3, Type: trace.PidSwitch, PID: 4},
	}, events)
}

func TestMethodStream(t *testing.T) {
	b := tracetest.New()
	b.AddBlock(0x1000, false, 1)
	b.Method(10, 0x40001000, 5, trace.MethodEnter)
	b.Method(12, 0x40000800, 5, trace.NativeEnter)
	b.Method(14, 0x40000800, 3, trace.NativeExit)
	b.Method(20, 0x40001000, 5, trace.MethodException)
	r := openTrace(t, b)

	var recs []trace.MethodRecord
	for {
		rec, err := r.ReadMethod()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	assert.Equal(t, []trace.MethodRecord{
		{Time: 10, Addr: 0x40001000, PID: 5, Flags: trace.MethodEnter},
		{Time: 12, Addr: 0x40000800, PID: 5, Flags: trace.NativeEnter},
		{Time: 14, Addr: 0x40000800, PID: 3, Flags: trace.NativeExit},
		{Time: 20, Addr: 0x40001000, PID: 5, Flags: trace.MethodException},
	}, recs)
	assert.True(t, recs[1].Flags.IsNative())
	assert.True(t, recs[1].Flags.IsEnter())
	assert.False(t, recs[3].Flags.IsEnter())
}

func TestOptionalStreams(t *testing.T) {
	b := tracetest.New()
	b.AddBlock(0x1000, false, 1)
	b.Load(5, 0x2000)
	b.Load(9, 0x1ff0)
	r := openTrace(t, b)

	rec, err := r.ReadLoad()
	require.NoError(t, err)
	assert.Equal(t, trace.AddrRecord{Time: 5, Addr: 0x2000, Kind: trace.AddrLoad}, rec)
	rec, err = r.ReadLoad()
	require.NoError(t, err)
	assert.Equal(t, libpf.Address(0x1ff0), rec.Addr)
	_, err = r.ReadLoad()
	assert.ErrorIs(t, err, io.EOF)

	_, err = r.ReadStore()
	assert.ErrorIs(t, err, trace.ErrNotOpened)

	_, err = r.ReadMethod()
	assert.ErrorIs(t, err, io.EOF)
}

func TestInsnTimes(t *testing.T) {
	b := tracetest.New()
	b.AddBlock(0x1000, false, 1)
	b.Insn(2, 3)
	b.Insn(5, 0)
	r := openTrace(t, b)

	// Times are 2, 4, 6, 8, 13.
	got, err := r.ReadInsnTime(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got)
	got, err = r.ReadInsnTime(7)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), got)
	got, err = r.ReadInsnTime(9)
	require.NoError(t, err)
	assert.Equal(t, uint64(13), got)
}

func TestStaticHeader(t *testing.T) {
	tests := map[string]struct {
		order binary.ByteOrder
	}{
		"little endian": {order: binary.LittleEndian},
		"big endian":    {order: binary.BigEndian},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			b := tracetest.New()
			b.Order = tc.order
			b.Header.FirstUnusedPID = 321
			b.Header.ElapsedUsecs = 1 << 33
			b.AddBlock(0x1000, false, 0xe1a00000)
			b.AddBlock(0x2001, true, 0x4770)
			r := openTrace(t, b)

			assert.Equal(t, tc.order, r.ByteOrder())
			assert.Equal(t, int32(321), r.Header().FirstUnusedPID)
			assert.Equal(t, uint64(1<<33), r.Header().ElapsedUsecs)
			assert.Equal(t, 2, r.NumStaticBlocks())

			blk, err := r.StaticBlock(1)
			require.NoError(t, err)
			assert.True(t, blk.Thumb)
			assert.Equal(t, libpf.Address(0x2000), blk.Addr)
			assert.Equal(t, []uint32{0x4770}, blk.Insns)

			_, err = r.StaticBlock(2)
			assert.Error(t, err)
		})
	}
}

func TestStaticHeaderErrors(t *testing.T) {
	tests := map[string]struct {
		modify  func(h *trace.Header)
		wantErr error
	}{
		"bad ident": {
			modify:  func(h *trace.Header) { copy(h.Ident[:], "not_a_trace") },
			wantErr: trace.ErrMissingHeader,
		},
		"bad version": {
			modify:  func(h *trace.Header) { h.Version = 7 },
			wantErr: trace.ErrVersionMismatch,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			b := tracetest.New()
			b.AddBlock(0x1000, false, 1)
			tc.modify(&b.Header)
			_, err := trace.Open(writeTrace(t, b))
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestStaticCorruptCounts(t *testing.T) {
	tests := map[string]struct {
		patch   func(raw []byte)
		wantErr error
	}{
		"block count past end of file": {
			patch: func(raw []byte) { binary.LittleEndian.PutUint64(raw[40:48], 1<<62) },
		},
		"instruction count too large": {
			patch: func(raw []byte) {
				binary.LittleEndian.PutUint32(raw[trace.HeaderSize+12:], 1<<30)
			},
			wantErr: trace.ErrBlockTooLarge,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			b := tracetest.New()
			b.AddBlock(0x1000, false, 0xe1a00000)
			dir := writeTrace(t, b)

			path, err := trace.Path(dir, trace.ExtStatic)
			require.NoError(t, err)
			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			tc.patch(raw)
			require.NoError(t, os.WriteFile(path, raw, 0o644))

			_, err = trace.Open(dir)
			require.Error(t, err)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestCompressedCompanion(t *testing.T) {
	b := tracetest.New()
	blk := b.AddBlock(0x1000, false, 1)
	b.BB(3, blk, 4, 2)
	b.Compress(trace.ExtBB)
	dir := writeTrace(t, b)

	_, err := os.Stat(filepath.Join(dir, "qtrace.bb"))
	require.ErrorIs(t, err, os.ErrNotExist)

	r, err := trace.Open(dir)
	require.NoError(t, err)
	defer r.Close()
	assert.Len(t, readAllBB(t, r), 5)
}

func TestMissingStream(t *testing.T) {
	b := tracetest.New()
	b.AddBlock(0x1000, false, 1)
	dir := writeTrace(t, b)
	require.NoError(t, os.Remove(filepath.Join(dir, "qtrace.exc")))

	_, err := trace.Open(dir)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
