// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "github.com/emutrace/qtrace/trace"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/emutrace/qtrace/libpf"
)

const (
	// Ident is the magic string at the start of every static file.
	Ident = "qemu_trace_file"

	// Version is the static file layout version understood by this package.
	Version = 2

	// HeaderSize is the encoded size of Header.
	HeaderSize = 88
)

var (
	// ErrMissingHeader is returned when the static file does not start with Ident.
	ErrMissingHeader = errors.New("missing trace header")

	// ErrVersionMismatch is returned for a static file of a different layout version.
	ErrVersionMismatch = errors.New("trace header version mismatch")

	// ErrBlockTooLarge is returned for a static block with more
	// instructions than MaxBlockInsns.
	ErrBlockTooLarge = errors.New("static block too large")
)

// Header is the fixed header of the static file.
type Header struct {
	Ident          [16]byte
	Version        uint32
	StartSec       uint32
	StartUsec      uint32
	PDate          uint32
	PTime          uint32
	NumRecords     uint32
	NumStaticBB    uint64
	NumStaticInsn  uint64
	NumDynamicBB   uint64
	NumDynamicInsn uint64
	ElapsedUsecs   uint64
	FirstUnusedPID int32
	_              [4]byte
}

// NewHeader returns a Header with the identification fields filled in.
func NewHeader() Header {
	var h Header
	copy(h.Ident[:], Ident)
	h.Version = Version
	return h
}

// StaticBlock is the compile-time shape of a basic block.
type StaticBlock struct {
	ID       uint64
	Addr     libpf.Address
	Thumb    bool
	NumInsns uint32
	Insns    []uint32
}

// MaxBlockInsns bounds the instruction count of a static block. A
// translation block never spans more than a page of Thumb code.
const MaxBlockInsns = 2048

// maxStaticPrealloc caps the block slice allocated up front from the header.
const maxStaticPrealloc = 1 << 16

type staticRec struct {
	BBNum    uint64
	BBAddr   uint32
	NumInsns uint32
}

// readHeader decodes the header and detects the byte order it was written in
// from the version field.
func readHeader(r io.Reader) (*Header, binary.ByteOrder, error) {
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, nil, fmt.Errorf("failed to read trace header: %w", err)
	}

	ident := raw[:len(Ident)+1]
	if !bytes.Equal(ident[:len(Ident)], []byte(Ident)) || ident[len(Ident)] != 0 {
		return nil, nil, ErrMissingHeader
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw[16:]) == Version:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw[16:]) == Version:
		order = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("%w: found %d, expected %d",
			ErrVersionMismatch, binary.LittleEndian.Uint32(raw[16:]), Version)
	}

	var h Header
	if err := binary.Read(bytes.NewReader(raw[:]), order, &h); err != nil {
		return nil, nil, err
	}
	return &h, order, nil
}

// readStatic decodes count static block descriptors following the header.
func readStatic(r io.Reader, order binary.ByteOrder, count uint64) ([]StaticBlock, error) {
	blocks := make([]StaticBlock, 0, min(count, maxStaticPrealloc))
	for i := uint64(0); i < count; i++ {
		var rec staticRec
		if err := binary.Read(r, order, &rec); err != nil {
			return nil, fmt.Errorf("failed to read static block %d: %w", i, err)
		}
		if rec.NumInsns > MaxBlockInsns {
			return nil, fmt.Errorf("static block %d: %d instructions: %w",
				i, rec.NumInsns, ErrBlockTooLarge)
		}
		insns := make([]uint32, rec.NumInsns)
		if err := binary.Read(r, order, insns); err != nil {
			return nil, fmt.Errorf("failed to read instructions of static block %d: %w", i, err)
		}
		blocks = append(blocks, StaticBlock{
			ID:       rec.BBNum,
			Addr:     libpf.Address(rec.BBAddr &^ 1),
			Thumb:    rec.BBAddr&1 != 0,
			NumInsns: rec.NumInsns,
			Insns:    insns,
		})
	}
	return blocks, nil
}

// WriteStatic encodes a static file. It is used to prepare traces for tests
// and tools.
func WriteStatic(w io.Writer, order binary.ByteOrder, h Header, blocks []StaticBlock) error {
	h.NumStaticBB = uint64(len(blocks))
	if err := binary.Write(w, order, &h); err != nil {
		return err
	}
	for _, b := range blocks {
		addr := uint32(b.Addr)
		if b.Thumb {
			addr |= 1
		}
		rec := staticRec{BBNum: b.ID, BBAddr: addr, NumInsns: uint32(len(b.Insns))}
		if err := binary.Write(w, order, &rec); err != nil {
			return err
		}
		if err := binary.Write(w, order, b.Insns); err != nil {
			return err
		}
	}
	return nil
}
