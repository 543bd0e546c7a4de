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

	"github.com/emutrace/qtrace/processmanager"
	"github.com/emutrace/qtrace/trace"
)

type eventsCmd struct {
	traceArgs
	out io.Writer
}

func newEventsCmd(out io.Writer) *ffcli.Command {
	args := &eventsCmd{out: out}

	set := flag.NewFlagSet("events", flag.ExitOnError)
	args.register(set)

	return &ffcli.Command{
		Name:       "events",
		Exec:       args.exec,
		ShortUsage: "events [flags] <trace directory>",
		ShortHelp:  "Print every executed basic block with its function",
		FlagSet:    set,
		Options:    ffOptions(),
	}
}

type eventJSON struct {
	Time     uint64 `json:"time"`
	PID      int32  `json:"pid"`
	BB       uint64 `json:"bb"`
	Addr     uint32 `json:"addr"`
	NumInsns int    `json:"num_insns"`
	Function string `json:"function"`
	Region   string `json:"region"`
	// Native is the code executing a managed method.
	Native string `json:"native,omitempty"`
}

func newEventJSON(ev *trace.BBEvent, fn processmanager.Function) eventJSON {
	rec := eventJSON{
		Time:     ev.Time,
		PID:      int32(ev.PID),
		BB:       ev.BBNum,
		Addr:     uint32(ev.Addr),
		NumInsns: ev.NumInsns,
		Function: fn.Name(),
		Region:   fn.Region.Path,
	}
	if fn.VM != nil {
		rec.Native = fn.VM.Name()
	}
	return rec
}

func (cmd *eventsCmd) exec(_ context.Context, args []string) (err error) {
	filter, err := cmd.pidFilter()
	if err != nil {
		return err
	}
	r, pm, err := openTrace(&cmd.traceArgs, args)
	if err != nil {
		return err
	}
	defer closeTrace(r, pm, &err)

	enc := json.NewEncoder(cmd.out)
	for {
		ev, err := r.ReadBB()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if !accept(filter, ev.PID) {
			continue
		}
		fn, err := pm.LookupFunction(ev.PID, ev.Addr, ev.Time)
		if err != nil {
			return err
		}

		if cmd.json {
			rec := newEventJSON(&ev, fn)
			if err = enc.Encode(&rec); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(cmd.out, "%d p%d 0x%08x %d %s %s\n", ev.Time, ev.PID,
			uint32(ev.Addr), ev.NumInsns, fn.Name(), fn.Region.Path)
	}
}
