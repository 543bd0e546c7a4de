// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/emutrace/qtrace/processmanager"
	"github.com/emutrace/qtrace/trace"
)

type procsCmd struct {
	traceArgs
	out     io.Writer
	regions bool
}

func newProcsCmd(out io.Writer) *ffcli.Command {
	args := &procsCmd{out: out}

	set := flag.NewFlagSet("procs", flag.ExitOnError)
	args.register(set)
	set.BoolVar(&args.regions, "regions", false, "Also list the mapped regions of each process.")

	return &ffcli.Command{
		Name:       "procs",
		Exec:       args.exec,
		ShortUsage: "procs [flags] <trace directory>",
		ShortHelp:  "Print the process table at the end of the trace",
		FlagSet:    set,
		Options:    ffOptions(),
	}
}

type regionJSON struct {
	Path    string `json:"path"`
	VStart  uint32 `json:"vstart"`
	VEnd    uint32 `json:"vend"`
	Offset  uint32 `json:"offset"`
	Symbols int    `json:"symbols"`
}

type processJSON struct {
	PID        int32        `json:"pid"`
	TGID       int32        `json:"tgid"`
	ParentPID  int32        `json:"parent_pid"`
	Name       string       `json:"name"`
	Argv       []string     `json:"argv,omitempty"`
	StartTime  uint64       `json:"start_time"`
	EndTime    uint64       `json:"end_time"`
	CPUTime    uint64       `json:"cpu_time"`
	ExitStatus int32        `json:"exit_status"`
	Exited     bool         `json:"exited"`
	Regions    []regionJSON `json:"regions,omitempty"`
}

func newProcessJSON(p *processmanager.Process, regions bool) processJSON {
	rec := processJSON{
		PID:        int32(p.PID),
		TGID:       int32(p.TGID),
		ParentPID:  int32(p.ParentPID),
		Name:       p.Name,
		Argv:       p.Argv,
		StartTime:  p.StartTime,
		EndTime:    p.EndTime,
		CPUTime:    p.CPUTime,
		ExitStatus: p.ExitStatus,
		Exited:     p.Has(processmanager.CalledExit),
	}
	if regions {
		for _, r := range p.Regions() {
			rec.Regions = append(rec.Regions, regionJSON{
				Path:    r.Path,
				VStart:  uint32(r.VStart),
				VEnd:    uint32(r.VEnd),
				Offset:  r.Offset,
				Symbols: r.Table.Len(),
			})
		}
	}
	return rec
}

func (cmd *procsCmd) exec(_ context.Context, args []string) (err error) {
	filter, err := cmd.pidFilter()
	if err != nil {
		return err
	}
	r, pm, err := openTrace(&cmd.traceArgs, args)
	if err != nil {
		return err
	}
	defer closeTrace(r, pm, &err)

	// Apply every process event of the trace.
	if _, err = pm.CurrentPID(trace.MaxTime); err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.out)
	for _, p := range pm.Processes() {
		if !accept(filter, p.PID) {
			continue
		}
		if cmd.json {
			rec := newProcessJSON(p, cmd.regions)
			if err = enc.Encode(&rec); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(cmd.out, "%5d %5d %5d cpu %d [%d-%d] %s %s\n",
			p.PID, p.TGID, p.ParentPID, p.CPUTime, p.StartTime, p.EndTime,
			p.Name, strings.Join(p.Argv, " "))
		if cmd.regions {
			if err = p.DumpRegions(cmd.out); err != nil {
				return err
			}
		}
	}
	return nil
}
