// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// qtrace reads the trace files written by the instrumented emulator and
// reports symbolicated basic blocks, reconstructed call stacks and the
// process table.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/emutrace/qtrace/processmanager"
	"github.com/emutrace/qtrace/trace"
)

func main() {
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{})

	if err := newRootCmd(os.Stdout).ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Fatalf("%v", err)
		}
	}
}

func newRootCmd(out io.Writer) *ffcli.Command {
	return &ffcli.Command{
		Name:       "qtrace",
		ShortUsage: "qtrace <subcommand> [flags] <trace directory>",
		ShortHelp:  "Tool for analyzing emulator execution traces",
		Subcommands: []*ffcli.Command{
			newBlocksCmd(out),
			newEventsCmd(out),
			newStacksCmd(out),
			newProcsCmd(out),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}
}

// traceDir returns the single positional argument.
func traceDir(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("please specify exactly one trace directory")
	}
	return args[0], nil
}

// openTrace opens the trace in args and attaches a process manager to it.
func openTrace(targs *traceArgs, args []string) (*trace.Reader,
	*processmanager.ProcessManager, error) {
	dir, err := traceDir(args)
	if err != nil {
		return nil, nil, err
	}
	cfg := targs.managerConfig()

	r, err := trace.Open(dir)
	if err != nil {
		return nil, nil, err
	}
	pm, err := processmanager.New(r, cfg)
	if err != nil {
		_ = r.Close()
		return nil, nil, fmt.Errorf("failed to create process manager: %w", err)
	}
	return r, pm, nil
}

// closeTrace releases r and pm, keeping the first error.
func closeTrace(r *trace.Reader, pm *processmanager.ProcessManager, err *error) {
	if cerr := pm.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
	if cerr := r.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
	stats := pm.SymbolCache().GetAndResetStatistics()
	log.Debugf("Symbol cache: %d hits, %d misses, %d added, %d evicted",
		stats.Hit, stats.Miss, stats.Added, stats.Deleted)
}
