// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "github.com/emutrace/qtrace/trace"

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/emutrace/qtrace/libpf"
)

// PidRecordType is the kind of a process lifecycle event.
type PidRecordType uint8

const (
	PidEndOfFile PidRecordType = iota
	PidFork
	PidClone
	PidSwitch
	PidExit
	PidMmap
	PidMunmap
	PidSymbolAdd
	PidSymbolRemove
	PidExec
	PidName
	PidKthreadName
	PidNoAction
)

var pidRecordTypeNames = [...]string{
	PidEndOfFile:    "eof",
	PidFork:         "fork",
	PidClone:        "clone",
	PidSwitch:       "switch",
	PidExit:         "exit",
	PidMmap:         "mmap",
	PidMunmap:       "munmap",
	PidSymbolAdd:    "symbol_add",
	PidSymbolRemove: "symbol_remove",
	PidExec:         "exec",
	PidName:         "name",
	PidKthreadName:  "kthread_name",
	PidNoAction:     "noaction",
}

func (t PidRecordType) String() string {
	if int(t) < len(pidRecordTypeNames) {
		return pidRecordTypeNames[t]
	}
	return fmt.Sprintf("PidRecordType(%d)", uint8(t))
}

// PidEvent is one process lifecycle event. Which fields are valid depends
// on Type.
type PidEvent struct {
	Time uint64
	Type PidRecordType
	// PID is the child for fork and clone, the target for switch and the
	// named process for name and kthread name.
	PID  libpf.PID
	TGID libpf.PID
	// ExitStatus is the status passed to exit.
	ExitStatus int32

	VStart libpf.Address
	VEnd   libpf.Address
	Offset uint32
	// Path is the mapped file. For a dex file mapped from the dalvik cache it
	// is the archive path the dex was extracted from, MmapPath keeps the
	// path as recorded.
	Path     string
	MmapPath string
	Argv     []string
}

// IsDexMmap reports whether the event maps a dalvik cache dex file.
func (e *PidEvent) IsDexMmap() bool {
	return e.Type == PidMmap && e.Path != e.MmapPath
}

// ExtractDexPath converts a dalvik cache file name into the path of the
// archive it was extracted from:
//
//	/data/dalvik-cache/system@app@TestHarness.apk@classes.dex -> /system/app/TestHarness.apk
func ExtractDexPath(mmapPath string) (string, bool) {
	end := strings.LastIndexByte(mmapPath, '@')
	start := strings.LastIndexByte(mmapPath, '/')
	if end < 0 || start < 0 || end < start {
		return "", false
	}
	return strings.ReplaceAll(mmapPath[start:end], "@", "/"), true
}

// PidStream yields process lifecycle events.
type PidStream struct {
	stream
	prevTime uint64
}

func newPidStream(rc io.ReadCloser) *PidStream {
	return &PidStream{stream: newStream(rc)}
}

func (s *PidStream) pid() (libpf.PID, error) {
	v, err := s.unsigned()
	return libpf.PID(v), err
}

func (s *PidStream) addr() (libpf.Address, error) {
	v, err := s.unsigned()
	return libpf.Address(v), err
}

// Next returns the next event, or io.EOF at the end-of-file record.
func (s *PidStream) Next() (PidEvent, error) {
	if s.done {
		return PidEvent{}, io.EOF
	}
	var timeDiff, recType uint64
	if err := s.uints(&timeDiff, &recType); err != nil {
		return PidEvent{}, err
	}
	s.prevTime += timeDiff
	// Records of unknown types carry no payload the decoder could skip over,
	// they are reported as no-ops.
	if recType > uint64(PidNoAction) {
		log.Warnf("Skipping unknown pid record type %d at time %d", recType, s.prevTime)
		return PidEvent{Time: s.prevTime, Type: PidNoAction}, nil
	}
	ev := PidEvent{Time: s.prevTime, Type: PidRecordType(recType)}

	var err error
	switch ev.Type {
	case PidEndOfFile:
		s.done = true
		return PidEvent{}, io.EOF
	case PidSwitch:
		ev.PID, err = s.pid()
	case PidExit:
		var status uint64
		status, err = s.unsigned()
		ev.ExitStatus = int32(status)
	case PidFork, PidClone:
		if ev.TGID, err = s.pid(); err == nil {
			ev.PID, err = s.pid()
		}
	case PidMmap:
		err = s.readMmap(&ev)
	case PidMunmap:
		if ev.VStart, err = s.addr(); err == nil {
			ev.VEnd, err = s.addr()
		}
	case PidSymbolAdd:
		if ev.VStart, err = s.addr(); err == nil {
			ev.Path, err = s.dec.ReadString()
		}
	case PidSymbolRemove:
		ev.VStart, err = s.addr()
	case PidExec:
		ev.Argv, err = s.readArgv()
	case PidName, PidKthreadName:
		if ev.Type == PidKthreadName {
			if ev.TGID, err = s.pid(); err != nil {
				break
			}
		}
		if ev.PID, err = s.pid(); err == nil {
			ev.Path, err = s.dec.ReadString()
		}
	case PidNoAction:
	}
	if err != nil {
		return PidEvent{}, fmt.Errorf("failed to decode %s record: %w", ev.Type, err)
	}
	return ev, nil
}

func (s *PidStream) readMmap(ev *PidEvent) error {
	var vstart, vend, offset uint64
	if err := s.uints(&vstart, &vend, &offset); err != nil {
		return err
	}
	path, err := s.dec.ReadString()
	if err != nil {
		return err
	}
	ev.VStart = libpf.Address(vstart)
	ev.VEnd = libpf.Address(vend)
	ev.Offset = uint32(offset)
	ev.MmapPath = path
	ev.Path = path
	if dex, ok := ExtractDexPath(path); ok {
		ev.Path = dex
	}
	return nil
}

func (s *PidStream) readArgv() ([]string, error) {
	argc, err := s.unsigned()
	if err != nil {
		return nil, err
	}
	if argc > 4096 {
		return nil, fmt.Errorf("implausible argument count %d", argc)
	}
	argv := make([]string, 0, argc)
	for i := uint64(0); i < argc; i++ {
		arg, err := s.dec.ReadString()
		if err != nil {
			return nil, err
		}
		argv = append(argv, arg)
	}
	return argv, nil
}
