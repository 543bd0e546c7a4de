// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package trace decodes the companion files written by the instrumented
// emulator: the static block table and the varint encoded event streams.
package trace // import "github.com/emutrace/qtrace/trace"

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"

	log "github.com/sirupsen/logrus"

	"github.com/emutrace/qtrace/libpf"
)

// MaxTime marks a cursor that has reached the end of its stream.
const MaxTime uint64 = math.MaxUint64

// BBEvent is one executed basic block resolved against the static block
// table.
type BBEvent struct {
	Time  uint64
	BBNum uint64
	Addr  libpf.Address
	Insns []uint32
	// NumInsns is the number of instructions that executed. It is smaller
	// than len(Insns) when an exception interrupted the block.
	NumInsns int
	PID      libpf.PID
	Thumb    bool
}

// Size returns the number of bytes covered by the executed instructions.
func (e *BBEvent) Size() uint32 {
	if e.Thumb {
		return uint32(e.NumInsns) << 1
	}
	return uint32(e.NumInsns) << 2
}

// End returns the address following the last executed instruction.
func (e *BBEvent) End() libpf.Address {
	return e.Addr + libpf.Address(e.Size())
}

// LastInsn returns the last executed instruction word.
func (e *BBEvent) LastInsn() (uint32, bool) {
	if e.NumInsns <= 0 || e.NumInsns > len(e.Insns) {
		return 0, false
	}
	return e.Insns[e.NumInsns-1], true
}

// PidTracker maps a time to the process running at that time. Calls must use
// non-decreasing times.
type PidTracker interface {
	CurrentPID(time uint64) (libpf.PID, error)
}

// Reader gives access to all streams of one trace.
type Reader struct {
	dir    string
	header *Header
	order  binary.ByteOrder
	blocks []StaticBlock

	bb     *BBStream
	insn   *InsnStream
	loads  *AddrStream
	stores *AddrStream
	exc    *ExcStream
	pids   *PidStream
	method *MethodStream

	tracker PidTracker

	// internalExc is read ahead to find blocks truncated by exceptions.
	internalExc *ExcStream
	bbRecNum    uint64
	excRecNum   uint64
	excNumInsns uint32
	excEnd      bool

	closers []io.Closer
}

// Open opens the trace stored in directory dir.
func Open(dir string) (*Reader, error) {
	r := &Reader{dir: dir}
	if err := r.open(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) track(c io.Closer) {
	r.closers = append(r.closers, c)
}

func (r *Reader) open() error {
	if err := r.readStatic(); err != nil {
		return err
	}

	rc, err := openFile(r.dir, ExtBB)
	if err != nil {
		return err
	}
	if r.bb, err = newBBStream(rc, int(r.header.NumStaticBB)); err != nil {
		return fmt.Errorf("failed to read %s stream: %w", ExtBB, err)
	}
	r.track(r.bb)

	if rc, err = openFile(r.dir, ExtInsn); err != nil {
		return err
	}
	r.insn = newInsnStream(rc)
	r.track(r.insn)

	if r.loads, err = r.openAddr(ExtLoad, AddrLoad); err != nil {
		return err
	}
	if r.stores, err = r.openAddr(ExtStore, AddrStore); err != nil {
		return err
	}

	if r.exc, err = r.NewExcStream(); err != nil {
		return err
	}
	r.track(r.exc)
	if r.internalExc, err = r.NewExcStream(); err != nil {
		return err
	}
	r.track(r.internalExc)

	if r.pids, err = r.NewPidStream(); err != nil {
		return err
	}
	r.track(r.pids)

	if r.method, err = r.NewMethodStream(); err != nil {
		return err
	}
	r.track(r.method)

	tracker, err := newSwitchTracker(r)
	if err != nil {
		return err
	}
	r.tracker = tracker
	r.track(tracker)
	return nil
}

func (r *Reader) readStatic() error {
	f, err := openFile(r.dir, ExtStatic)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	h, order, err := readHeader(br)
	if err != nil {
		if errors.Is(err, ErrMissingHeader) || errors.Is(err, ErrVersionMismatch) {
			return fmt.Errorf("%s: %w; run the trace post-processing step first", r.dir, err)
		}
		return err
	}
	r.header = h
	r.order = order
	if r.blocks, err = readStatic(br, order, h.NumStaticBB); err != nil {
		return err
	}
	log.Debugf("Loaded %d static blocks from %s (%s)", len(r.blocks), r.dir, order)
	return nil
}

func (r *Reader) openAddr(ext string, kind AddrKind) (*AddrStream, error) {
	rc, err := openFile(r.dir, ext)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debugf("No %s stream in %s", ext, r.dir)
		return newAddrStream(nil, kind), nil
	}
	if err != nil {
		return nil, err
	}
	s := newAddrStream(rc, kind)
	r.track(s)
	return s, nil
}

// NewExcStream opens an independent cursor on the exception stream.
// The caller owns the returned stream.
func (r *Reader) NewExcStream() (*ExcStream, error) {
	rc, err := openFile(r.dir, ExtExc)
	if err != nil {
		return nil, err
	}
	return newExcStream(rc), nil
}

// NewPidStream opens an independent cursor on the process event stream.
// The caller owns the returned stream.
func (r *Reader) NewPidStream() (*PidStream, error) {
	rc, err := openFile(r.dir, ExtPid)
	if err != nil {
		return nil, err
	}
	return newPidStream(rc), nil
}

// NewMethodStream opens an independent cursor on the method stream. A trace
// without method file yields an empty stream. The caller owns the returned
// stream.
func (r *Reader) NewMethodStream() (*MethodStream, error) {
	rc, err := openFile(r.dir, ExtMethod)
	if errors.Is(err, fs.ErrNotExist) {
		return newMethodStream(nil), nil
	}
	if err != nil {
		return nil, err
	}
	return newMethodStream(rc), nil
}

// OpenFile opens the companion file with suffix ext.
func (r *Reader) OpenFile(ext string) (io.ReadCloser, error) {
	return openFile(r.dir, ext)
}

// Dir returns the trace directory.
func (r *Reader) Dir() string {
	return r.dir
}

// Header returns the static file header.
func (r *Reader) Header() *Header {
	return r.header
}

// ByteOrder returns the byte order of the static file.
func (r *Reader) ByteOrder() binary.ByteOrder {
	return r.order
}

// NumStaticBlocks returns the number of static blocks.
func (r *Reader) NumStaticBlocks() int {
	return len(r.blocks)
}

// StaticBlock returns the descriptor of block id.
func (r *Reader) StaticBlock(id uint64) (*StaticBlock, error) {
	if id >= uint64(len(r.blocks)) {
		return nil, fmt.Errorf("static block %d out of range (%d blocks)", id, len(r.blocks))
	}
	return &r.blocks[id], nil
}

// SetPidTracker replaces the tracker used to attribute basic blocks to
// processes. The default tracker follows switch events only.
func (r *Reader) SetPidTracker(t PidTracker) {
	r.tracker = t
}

// ReadBB returns the next executed basic block in time order.
func (r *Reader) ReadBB() (BBEvent, error) {
	rec, err := r.bb.Next()
	if err != nil {
		return BBEvent{}, err
	}
	blk, err := r.StaticBlock(rec.BBNum)
	if err != nil {
		return BBEvent{}, err
	}
	r.bbRecNum++

	numInsns, err := r.findNumInsns(blk)
	if err != nil {
		return BBEvent{}, err
	}
	pid, err := r.tracker.CurrentPID(rec.Time)
	if err != nil {
		return BBEvent{}, err
	}
	return BBEvent{
		Time:     rec.Time,
		BBNum:    rec.BBNum,
		Addr:     blk.Addr,
		Insns:    blk.Insns,
		NumInsns: numInsns,
		PID:      pid,
		Thumb:    blk.Thumb,
	}, nil
}

// findNumInsns advances the internal exception cursor to the current block
// record. An exception recorded for this very record overrides the static
// instruction count.
func (r *Reader) findNumInsns(blk *StaticBlock) (int, error) {
	for !r.excEnd && r.excRecNum < r.bbRecNum {
		exc, err := r.internalExc.Next()
		if errors.Is(err, io.EOF) {
			r.excEnd = true
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read %s stream: %w", ExtExc, err)
		}
		r.excRecNum = exc.RecNum
		r.excNumInsns = exc.NumInsns
	}
	if !r.excEnd && r.excRecNum == r.bbRecNum {
		return int(r.excNumInsns), nil
	}
	return int(blk.NumInsns), nil
}

// ReadInsnTime returns the first instruction time not before minTime.
func (r *Reader) ReadInsnTime(minTime uint64) (uint64, error) {
	return r.insn.Next(minTime)
}

// ReadLoad returns the next memory load.
func (r *Reader) ReadLoad() (AddrRecord, error) {
	return r.loads.Next()
}

// ReadStore returns the next memory store.
func (r *Reader) ReadStore() (AddrRecord, error) {
	return r.stores.Next()
}

// ReadException returns the next exception record.
func (r *Reader) ReadException() (ExcRecord, error) {
	return r.exc.Next()
}

// ReadPidEvent returns the next process event.
func (r *Reader) ReadPidEvent() (PidEvent, error) {
	return r.pids.Next()
}

// ReadMethod returns the next method record.
func (r *Reader) ReadMethod() (MethodRecord, error) {
	return r.method.Next()
}

// FindDexMmap scans the process events for the first mapping of a dalvik
// cache dex file and returns its archive path.
func (r *Reader) FindDexMmap() (string, bool, error) {
	s, err := r.NewPidStream()
	if err != nil {
		return "", false, err
	}
	defer s.Close()
	for {
		ev, err := s.Next()
		if errors.Is(err, io.EOF) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		if ev.IsDexMmap() {
			return ev.Path, true, nil
		}
	}
}

// Close releases all files of the trace.
func (r *Reader) Close() error {
	var errs []error
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// switchTracker follows switch events on a private cursor of the process
// event stream.
type switchTracker struct {
	pids       *PidStream
	current    libpf.PID
	next       libpf.PID
	nextSwitch uint64
}

func newSwitchTracker(r *Reader) (*switchTracker, error) {
	s, err := r.NewPidStream()
	if err != nil {
		return nil, err
	}
	return &switchTracker{pids: s}, nil
}

func (t *switchTracker) CurrentPID(time uint64) (libpf.PID, error) {
	if time < t.nextSwitch {
		return t.current, nil
	}
	t.current = t.next
	for {
		ev, err := t.pids.Next()
		if errors.Is(err, io.EOF) {
			t.nextSwitch = MaxTime
			break
		}
		if err != nil {
			return 0, err
		}
		if ev.Type != PidSwitch {
			continue
		}
		if ev.Time > time {
			t.next = ev.PID
			t.nextSwitch = ev.Time
			break
		}
		t.current = ev.PID
	}
	return t.current, nil
}

func (t *switchTracker) Close() error {
	return t.pids.Close()
}
