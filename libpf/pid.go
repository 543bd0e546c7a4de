// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/emutrace/qtrace/libpf"

// PID represents a guest process id as recorded in the trace.
type PID int32

// MaxPID is the exclusive upper bound on pids the emulated kernel hands out.
const MaxPID PID = 32768

func (p PID) Hash32() uint32 {
	return uint32(p)
}

// Valid reports whether p is within the range of pids a trace may contain.
func (p PID) Valid() bool {
	return p >= 0 && p < MaxPID
}
