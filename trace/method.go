// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "github.com/emutrace/qtrace/trace"

import (
	"fmt"
	"io"

	"github.com/emutrace/qtrace/libpf"
)

// MethodFlags is the kind of a managed method event.
type MethodFlags uint32

const (
	MethodEnter     MethodFlags = 0
	MethodExit      MethodFlags = 1
	MethodException MethodFlags = 2
	NativeEnter     MethodFlags = 4
	NativeExit      MethodFlags = 5
	NativeException MethodFlags = 6
)

// IsEnter reports whether the event pushes a method.
func (f MethodFlags) IsEnter() bool {
	return f == MethodEnter || f == NativeEnter
}

// IsNative reports whether the event concerns a native (JNI) method.
func (f MethodFlags) IsNative() bool {
	return f == NativeEnter || f == NativeExit || f == NativeException
}

func (f MethodFlags) String() string {
	switch f {
	case MethodEnter:
		return "enter"
	case MethodExit:
		return "exit"
	case MethodException:
		return "exception"
	case NativeEnter:
		return "native_enter"
	case NativeExit:
		return "native_exit"
	case NativeException:
		return "native_exception"
	}
	return fmt.Sprintf("MethodFlags(%d)", uint32(f))
}

// MethodRecord is one interpreter method entry or exit.
type MethodRecord struct {
	Time  uint64
	Addr  libpf.Address
	PID   libpf.PID
	Flags MethodFlags
}

// MethodStream yields method records. The backing file is optional; a stream
// without one is empty.
type MethodStream struct {
	stream
	opened   bool
	prevTime uint64
	prevAddr uint32
	prevPID  int32
}

func newMethodStream(rc io.ReadCloser) *MethodStream {
	if rc == nil {
		return &MethodStream{}
	}
	return &MethodStream{stream: newStream(rc), opened: true}
}

// Next returns the next record, or io.EOF at a zero time delta.
func (s *MethodStream) Next() (MethodRecord, error) {
	if !s.opened || s.done {
		return MethodRecord{}, io.EOF
	}
	timeDiff, err := s.unsigned()
	if err != nil {
		return MethodRecord{}, err
	}
	addrDiff, err := s.signed()
	if err != nil {
		return MethodRecord{}, err
	}
	if timeDiff == 0 {
		s.done = true
		return MethodRecord{}, io.EOF
	}
	pidDiff, err := s.signed()
	if err != nil {
		return MethodRecord{}, err
	}
	flags, err := s.unsigned()
	if err != nil {
		return MethodRecord{}, err
	}
	s.prevTime += timeDiff
	s.prevAddr += uint32(addrDiff)
	s.prevPID += int32(pidDiff)
	return MethodRecord{
		Time:  s.prevTime,
		Addr:  libpf.Address(s.prevAddr),
		PID:   libpf.PID(s.prevPID),
		Flags: MethodFlags(flags),
	}, nil
}
