// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"

	"github.com/emutrace/qtrace/callstack"
	"github.com/emutrace/qtrace/libpf"
	"github.com/emutrace/qtrace/processmanager"
	"github.com/emutrace/qtrace/stringutil"
	"github.com/emutrace/qtrace/symtab"
)

const (
	// Default values for CLI flags
	defaultArgDemangle  = true
	defaultArgMaxFrames = callstack.DefaultMaxFrames
	defaultArgCacheSize = symtab.DefaultCacheSize
)

// Help strings for command line arguments
var (
	configHelp = "Path of a configuration file with one flag per line."
	rootHelp   = "File system root prefixed to the paths of mapped files " +
		"to find them on the host."
	kernelHelp    = "Guest path of the kernel image with symbols, below -root."
	kernelMapHelp = "Guest path of a System.map file, used if -kernel has no symbols."
	demangleHelp  = "Demangle C++ symbol names."
	cacheSizeHelp = "Number of parsed symbol tables to keep after their last mapping is gone."
	verboseHelp   = "Enable verbose logging."
	pidHelp       = "Comma separated list of pids to report. Reports all pids if empty."
	jsonHelp      = "Write one JSON object per line instead of text."
	nativeHelp    = "Hide managed methods and report the native code executing them."
	maxFramesHelp = "Capacity of each reconstructed call stack."
)

// traceArgs are the flags shared by all subcommands that read a trace.
type traceArgs struct {
	root      string
	kernel    string
	kernelMap string
	demangle  bool
	cacheSize uint
	verbose   bool
	pids      string
	json      bool
}

func (a *traceArgs) register(fs *flag.FlagSet) {
	fs.String("config", "", configHelp)
	fs.UintVar(&a.cacheSize, "symbol-cache-size", defaultArgCacheSize, cacheSizeHelp)
	fs.BoolVar(&a.demangle, "demangle", defaultArgDemangle, demangleHelp)
	fs.BoolVar(&a.json, "json", false, jsonHelp)
	fs.StringVar(&a.kernel, "kernel", "", kernelHelp)
	fs.StringVar(&a.kernelMap, "kernel-map", "", kernelMapHelp)
	fs.StringVar(&a.pids, "pid", "", pidHelp)
	fs.StringVar(&a.root, "root", "", rootHelp)
	fs.BoolVar(&a.verbose, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&a.verbose, "verbose", false, verboseHelp)
}

// managerConfig returns the process manager settings, applying -v on the way.
func (a *traceArgs) managerConfig() processmanager.Config {
	if a.verbose {
		log.SetLevel(log.DebugLevel)
	}
	return processmanager.Config{
		Root:            a.root,
		Demangle:        a.demangle,
		KernelFile:      a.kernel,
		KernelMap:       a.kernelMap,
		SymbolCacheSize: uint32(a.cacheSize),
	}
}

// pidFilter parses -pid. An empty set accepts every pid.
func (a *traceArgs) pidFilter() (libpf.Set[libpf.PID], error) {
	fields := make([]string, strings.Count(a.pids, ",")+1)
	n := stringutil.SplitList(a.pids, ",", fields)
	filter := make(libpf.Set[libpf.PID], n)
	for _, field := range fields[:n] {
		parsed, err := strconv.ParseInt(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse pid: %v", err)
		}
		pid := libpf.PID(parsed)
		if !pid.Valid() {
			return nil, fmt.Errorf("pid %d out of range", pid)
		}
		filter[pid] = libpf.Void{}
	}
	return filter, nil
}

func accept(filter libpf.Set[libpf.PID], pid libpf.PID) bool {
	return len(filter) == 0 || filter.Contains(pid)
}

func ffOptions() []ff.Option {
	return []ff.Option{
		ff.WithEnvVarPrefix("QTRACE"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		// This will ignore configuration file (only) options that the current
		// subcommand does not recognize.
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	}
}
