// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracetest writes synthetic emulator traces for tests.
package tracetest // import "github.com/emutrace/qtrace/trace/tracetest"

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/emutrace/qtrace/libpf"
	"github.com/emutrace/qtrace/trace"
	"github.com/emutrace/qtrace/varint"
)

// encodedStream accumulates one delta encoded stream.
type encodedStream struct {
	buf bytes.Buffer
	enc *varint.Encoder
	// written is set once any record was added.
	written bool
}

func newEncodedStream() *encodedStream {
	s := &encodedStream{}
	s.enc = varint.NewEncoder(&s.buf)
	return s
}

// Builder collects the contents of a trace and writes it to a directory.
// Records of every stream must be added in time order.
type Builder struct {
	Header trace.Header
	Order  binary.ByteOrder
	Blocks []trace.StaticBlock

	bb, insn, exc, pid, method, load, store *encodedStream

	bbPrevNum  uint64
	bbPrevTime uint64

	excPrevTime, excPrevRec uint64
	pidPrevTime             uint64

	methodPrevTime uint64
	methodPrevAddr uint32
	methodPrevPID  int32

	loadPrev, storePrev addrState

	dexList    string
	compressed map[string]bool
}

type addrState struct {
	time uint64
	addr uint32
}

// New returns an empty little-endian trace.
func New() *Builder {
	return &Builder{
		Header:     trace.NewHeader(),
		Order:      binary.LittleEndian,
		bb:         newEncodedStream(),
		insn:       newEncodedStream(),
		exc:        newEncodedStream(),
		pid:        newEncodedStream(),
		method:     newEncodedStream(),
		load:       newEncodedStream(),
		store:      newEncodedStream(),
		compressed: make(map[string]bool),
	}
}

// AddBlock appends a static block and returns its id.
func (b *Builder) AddBlock(addr libpf.Address, thumb bool, insns ...uint32) uint64 {
	id := uint64(len(b.Blocks))
	b.Blocks = append(b.Blocks, trace.StaticBlock{
		ID:       id,
		Addr:     addr,
		Thumb:    thumb,
		NumInsns: uint32(len(insns)),
		Insns:    insns,
	})
	return id
}

// BB adds an execution of block bbNum at time t, repeated repeat more times
// every interval time units. Times of successive calls must be increasing.
func (b *Builder) BB(t, bbNum, repeat, interval uint64) {
	e := b.bb.enc
	e.Int64(int64(bbNum - b.bbPrevNum))
	e.Uint64(t - b.bbPrevTime)
	e.Uint64(repeat)
	if repeat > 0 {
		e.Uint64(interval)
	}
	b.bbPrevNum, b.bbPrevTime = bbNum, t
	b.bb.written = true
	b.Header.NumDynamicBB += 1 + repeat
}

// Insn adds repeat+1 instruction times that are timeDiff apart.
func (b *Builder) Insn(timeDiff, repeat uint64) {
	b.insn.enc.Uint64(timeDiff)
	b.insn.enc.Uint64(repeat)
	b.insn.written = true
}

func addAddr(s *encodedStream, st *addrState, t uint64, addr libpf.Address) {
	s.enc.Int64(int64(int32(uint32(addr) - st.addr)))
	s.enc.Uint64(t - st.time)
	st.time, st.addr = t, uint32(addr)
	s.written = true
}

// Load adds a memory load.
func (b *Builder) Load(t uint64, addr libpf.Address) {
	addAddr(b.load, &b.loadPrev, t, addr)
}

// Store adds a memory store.
func (b *Builder) Store(t uint64, addr libpf.Address) {
	addAddr(b.store, &b.storePrev, t, addr)
}

// Exc adds an exception record. RecNum is the 1-based ordinal of the
// interrupted basic block record.
func (b *Builder) Exc(rec trace.ExcRecord) {
	e := b.exc.enc
	e.Uint64(rec.Time - b.excPrevTime)
	e.Uint64(uint64(rec.CurrentPC))
	e.Uint64(rec.RecNum - b.excPrevRec)
	e.Uint64(uint64(rec.TargetPC))
	e.Uint64(rec.BBNum)
	e.Uint64(rec.BBStartTime)
	e.Uint64(uint64(rec.NumInsns))
	b.excPrevTime, b.excPrevRec = rec.Time, rec.RecNum
	b.exc.written = true
}

func (b *Builder) pidHeader(t uint64, typ trace.PidRecordType) *varint.Encoder {
	e := b.pid.enc
	e.Uint64(t - b.pidPrevTime)
	e.Uint64(uint64(typ))
	b.pidPrevTime = t
	b.pid.written = true
	return e
}

// Switch adds a context switch to pid.
func (b *Builder) Switch(t uint64, pid libpf.PID) {
	b.pidHeader(t, trace.PidSwitch).Uint64(uint64(pid))
}

// Exit adds an exit of the current process.
func (b *Builder) Exit(t uint64, status int32) {
	b.pidHeader(t, trace.PidExit).Uint64(uint64(uint32(status)))
}

// Fork adds a fork of the current process creating pid.
func (b *Builder) Fork(t uint64, tgid, pid libpf.PID) {
	e := b.pidHeader(t, trace.PidFork)
	e.Uint64(uint64(tgid))
	e.Uint64(uint64(pid))
}

// Clone adds a clone of the current process creating pid.
func (b *Builder) Clone(t uint64, tgid, pid libpf.PID) {
	e := b.pidHeader(t, trace.PidClone)
	e.Uint64(uint64(tgid))
	e.Uint64(uint64(pid))
}

// Mmap adds a mapping of path into the current process.
func (b *Builder) Mmap(t uint64, vstart, vend libpf.Address, offset uint32, path string) {
	e := b.pidHeader(t, trace.PidMmap)
	e.Uint64(uint64(vstart))
	e.Uint64(uint64(vend))
	e.Uint64(uint64(offset))
	e.PutString(path)
}

// Munmap adds an unmapping from the current process.
func (b *Builder) Munmap(t uint64, vstart, vend libpf.Address) {
	e := b.pidHeader(t, trace.PidMunmap)
	e.Uint64(uint64(vstart))
	e.Uint64(uint64(vend))
}

// Exec adds an exec by the current process.
func (b *Builder) Exec(t uint64, argv ...string) {
	e := b.pidHeader(t, trace.PidExec)
	e.Uint64(uint64(len(argv)))
	for _, arg := range argv {
		e.PutString(arg)
	}
}

// Name adds a name record for pid.
func (b *Builder) Name(t uint64, pid libpf.PID, name string) {
	e := b.pidHeader(t, trace.PidName)
	e.Uint64(uint64(pid))
	e.PutString(name)
}

// KthreadName adds a kernel thread name record.
func (b *Builder) KthreadName(t uint64, tgid, pid libpf.PID, name string) {
	e := b.pidHeader(t, trace.PidKthreadName)
	e.Uint64(uint64(tgid))
	e.Uint64(uint64(pid))
	e.PutString(name)
}

// SymbolAdd adds a dynamically registered symbol.
func (b *Builder) SymbolAdd(t uint64, vstart libpf.Address, name string) {
	e := b.pidHeader(t, trace.PidSymbolAdd)
	e.Uint64(uint64(vstart))
	e.PutString(name)
}

// SymbolRemove removes a dynamically registered symbol.
func (b *Builder) SymbolRemove(t uint64, vstart libpf.Address) {
	b.pidHeader(t, trace.PidSymbolRemove).Uint64(uint64(vstart))
}

// NoAction adds an event without effect.
func (b *Builder) NoAction(t uint64) {
	b.pidHeader(t, trace.PidNoAction)
}

// UnknownPidRecord adds a payload-less pid record of type typ.
func (b *Builder) UnknownPidRecord(t uint64, typ trace.PidRecordType) {
	b.pidHeader(t, typ)
}

// Method adds a method record.
func (b *Builder) Method(t uint64, addr libpf.Address, pid libpf.PID, flags trace.MethodFlags) {
	e := b.method.enc
	e.Uint64(t - b.methodPrevTime)
	e.Int64(int64(int32(uint32(addr) - b.methodPrevAddr)))
	e.Int64(int64(int32(pid) - b.methodPrevPID))
	e.Uint64(uint64(flags))
	b.methodPrevTime, b.methodPrevAddr, b.methodPrevPID = t, uint32(addr), int32(pid)
	b.method.written = true
}

// DexList sets the contents of the dexlist file.
func (b *Builder) DexList(contents string) {
	b.dexList = contents
}

// Compress stores the companion file ext zstd compressed.
func (b *Builder) Compress(ext string) {
	b.compressed[ext] = true
}

// Write creates the trace in directory dir and returns dir. Optional streams
// without records are not written.
func (b *Builder) Write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	var static bytes.Buffer
	if err := trace.WriteStatic(&static, b.Order, b.Header, b.Blocks); err != nil {
		return "", err
	}

	b.bb.enc.Int64(0)
	b.bb.enc.Uint64(0)
	b.bb.enc.Uint64(0)
	for range 7 {
		b.exc.enc.Uint64(0)
	}
	b.pid.enc.Uint64(0)
	b.pid.enc.Uint64(uint64(trace.PidEndOfFile))
	b.method.enc.Uint64(0)
	b.method.enc.Int64(0)
	b.load.enc.Int64(0)
	b.load.enc.Uint64(0)
	b.store.enc.Int64(0)
	b.store.enc.Uint64(0)

	files := []struct {
		ext      string
		data     []byte
		optional bool
		present  bool
	}{
		{ext: trace.ExtStatic, data: static.Bytes()},
		{ext: trace.ExtBB, data: b.bb.buf.Bytes()},
		{ext: trace.ExtInsn, data: b.insn.buf.Bytes()},
		{ext: trace.ExtExc, data: b.exc.buf.Bytes()},
		{ext: trace.ExtPid, data: b.pid.buf.Bytes()},
		{ext: trace.ExtMethod, data: b.method.buf.Bytes(), optional: true, present: b.method.written},
		{ext: trace.ExtLoad, data: b.load.buf.Bytes(), optional: true, present: b.load.written},
		{ext: trace.ExtStore, data: b.store.buf.Bytes(), optional: true, present: b.store.written},
		{ext: trace.ExtDexList, data: []byte(b.dexList), optional: true, present: b.dexList != ""},
	}
	for _, f := range files {
		if f.optional && !f.present {
			continue
		}
		if err := b.writeFile(dir, f.ext, f.data); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func (b *Builder) writeFile(dir, ext string, data []byte) error {
	name := filepath.Join(dir, "qtrace"+ext)
	if !b.compressed[ext] {
		return os.WriteFile(name, data, 0o644)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()
	return os.WriteFile(name+".zst", enc.EncodeAll(data, nil), 0o644)
}
