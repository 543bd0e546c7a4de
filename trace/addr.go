// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "github.com/emutrace/qtrace/trace"

import (
	"io"

	"github.com/emutrace/qtrace/libpf"
)

// AddrKind tells loads from stores.
type AddrKind uint8

const (
	AddrLoad AddrKind = iota
	AddrStore
)

func (k AddrKind) String() string {
	if k == AddrStore {
		return "store"
	}
	return "load"
}

// AddrRecord is one memory access.
type AddrRecord struct {
	Time uint64
	Addr libpf.Address
	Kind AddrKind
}

// AddrStream yields memory accesses of one kind. The backing file is optional;
// reading a stream without one fails with ErrNotOpened.
type AddrStream struct {
	stream
	kind     AddrKind
	opened   bool
	prevAddr uint32
	prevTime uint64
}

func newAddrStream(rc io.ReadCloser, kind AddrKind) *AddrStream {
	if rc == nil {
		return &AddrStream{kind: kind}
	}
	return &AddrStream{stream: newStream(rc), kind: kind, opened: true}
}

// Opened reports whether the stream has a backing file.
func (s *AddrStream) Opened() bool {
	return s.opened
}

// Next returns the next access, or io.EOF after the all-zero terminator.
func (s *AddrStream) Next() (AddrRecord, error) {
	if !s.opened {
		return AddrRecord{}, ErrNotOpened
	}
	if s.done {
		return AddrRecord{}, io.EOF
	}
	addrDiff, err := s.signed()
	if err != nil {
		return AddrRecord{}, err
	}
	timeDiff, err := s.unsigned()
	if err != nil {
		return AddrRecord{}, err
	}
	if timeDiff == 0 && addrDiff == 0 {
		s.done = true
		return AddrRecord{}, io.EOF
	}
	s.prevAddr += uint32(addrDiff)
	s.prevTime += timeDiff
	return AddrRecord{Time: s.prevTime, Addr: libpf.Address(s.prevAddr), Kind: s.kind}, nil
}
