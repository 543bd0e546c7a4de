// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/emutrace/qtrace/callstack"
	"github.com/emutrace/qtrace/libpf"
)

type stacksCmd struct {
	traceArgs
	out        io.Writer
	nativeOnly bool
	maxFrames  int
}

func newStacksCmd(out io.Writer) *ffcli.Command {
	args := &stacksCmd{out: out}

	set := flag.NewFlagSet("stacks", flag.ExitOnError)
	args.register(set)
	set.IntVar(&args.maxFrames, "max-frames", defaultArgMaxFrames, maxFramesHelp)
	set.BoolVar(&args.nativeOnly, "native-only", false, nativeHelp)

	return &ffcli.Command{
		Name:       "stacks",
		Exec:       args.exec,
		ShortUsage: "stacks [flags] <trace directory>",
		ShortHelp:  "Print the pushes and pops of the reconstructed call stacks",
		FlagSet:    set,
		Options:    ffOptions(),
	}
}

type frameJSON struct {
	Time       uint64 `json:"time"`
	GlobalTime uint64 `json:"global_time"`
	PID        int32  `json:"pid"`
	Action     string `json:"action"`
	Level      int    `json:"level"`
	Function   string `json:"function"`
	Kind       string `json:"kind"`
	ReturnAddr uint32 `json:"return_addr"`
}

// framePrinter writes the stack changes of the selected pids. The first
// write error is kept and reported after the update.
type framePrinter struct {
	out    io.Writer
	enc    *json.Encoder
	filter libpf.Set[libpf.PID]
	err    error
}

func (p *framePrinter) print(s *callstack.CallStack, action string, level int,
	time uint64, f *callstack.Frame) {
	pid := libpf.PID(s.ID())
	if p.err != nil || !accept(p.filter, pid) {
		return
	}
	if p.enc != nil {
		p.err = p.enc.Encode(&frameJSON{
			Time:       time,
			GlobalTime: s.GlobalTime(time),
			PID:        int32(pid),
			Action:     action,
			Level:      level,
			Function:   f.Function.Name(),
			Kind:       f.Kind.String(),
			ReturnAddr: uint32(f.ReturnAddr),
		})
		return
	}
	_, p.err = fmt.Fprintf(p.out, "%d p%d %s %d %s\n",
		s.GlobalTime(time), pid, action, level, f.Function.Name())
}

func (p *framePrinter) Push(s *callstack.CallStack, level int, time uint64, f *callstack.Frame) {
	p.print(s, "push", level, time, f)
}

func (p *framePrinter) Pop(s *callstack.CallStack, level int, time uint64, f *callstack.Frame) {
	p.print(s, "pop", level, time, f)
}

func (cmd *stacksCmd) exec(_ context.Context, args []string) (err error) {
	filter, err := cmd.pidFilter()
	if err != nil {
		return err
	}
	r, pm, err := openTrace(&cmd.traceArgs, args)
	if err != nil {
		return err
	}
	defer closeTrace(r, pm, &err)

	methods, err := r.NewMethodStream()
	if err != nil {
		return err
	}
	defer methods.Close()
	cursor, err := callstack.NewMethodCursor(methods)
	if err != nil {
		return err
	}

	printer := &framePrinter{out: cmd.out, filter: filter}
	if cmd.json {
		printer.enc = json.NewEncoder(cmd.out)
	}
	cfg := callstack.Config{MaxFrames: cmd.maxFrames, NativeOnly: cmd.nativeOnly}
	stacks := make(map[libpf.PID]*callstack.CallStack)
	stackOf := func(pid libpf.PID) *callstack.CallStack {
		s, ok := stacks[pid]
		if !ok {
			s = callstack.New(int(pid), cfg, cursor, printer)
			stacks[pid] = s
		}
		return s
	}

	running := libpf.PID(-1)
	var lastTime uint64
	for {
		ev, err := r.ReadBB()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if ev.PID != running {
			if running >= 0 {
				stackOf(running).ThreadStop(ev.Time)
			}
			stackOf(ev.PID).ThreadStart(ev.Time)
			running = ev.PID
		}
		fn, err := pm.LookupFunction(ev.PID, ev.Addr, ev.Time)
		if err != nil {
			return err
		}
		if err = stackOf(ev.PID).Update(&ev, fn); err != nil {
			return fmt.Errorf("pid %d at time %d: %w", ev.PID, ev.Time, err)
		}
		if printer.err != nil {
			return printer.err
		}
		lastTime = ev.Time
	}

	for _, pid := range libpf.SortedKeys(stacks) {
		s := stacks[pid]
		s.PopAll(lastTime)
		stats := s.Stats()
		log.Infof("pid %d (%s): %d pushes, %d pops, %d deep unwinds, deepest %d",
			pid, pm.ProcessName(pid), stats.Pushes, stats.Pops, stats.DeepUnwinds, stats.MaxUnwind)
	}
	return printer.err
}
