// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package processmanager replays the process events of a trace. It keeps
// the table of processes, their address spaces and managed method stacks,
// and resolves code addresses to symbols at a point in time.
package processmanager // import "github.com/emutrace/qtrace/processmanager"

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"

	log "github.com/sirupsen/logrus"

	"github.com/emutrace/qtrace/libpf"
	"github.com/emutrace/qtrace/symtab"
	"github.com/emutrace/qtrace/trace"
)

var (
	// ErrPidOutOfRange is returned for process events naming a pid beyond
	// libpf.MaxPID.
	ErrPidOutOfRange = errors.New("pid out of range")

	// ErrUnknownProcess is returned for lookups of pids without state.
	ErrUnknownProcess = errors.New("no state for process")
)

// Config holds the settings of a ProcessManager.
type Config struct {
	// Root is prefixed to the paths of mapped files to find them on the host.
	Root string
	// Demangle converts C++ symbol names.
	Demangle bool
	// KernelFile is the guest path of the kernel image with symbols.
	KernelFile string
	// KernelMap is the guest path of a System.map style symbol list, used
	// when KernelFile is unset or has no symbols.
	KernelMap string
	// SymbolCacheSize bounds the number of parsed ELF tables kept after the
	// last region using them is unmapped.
	SymbolCacheSize uint32
}

// ProcessManager follows the process event stream of a trace. It installs
// itself as the pid tracker of the reader, so that reading basic blocks
// advances the process state to the time of each block.
type ProcessManager struct {
	reader *trace.Reader
	loader *symtab.Loader
	dex    symtab.DexList

	// regions holds one region per path; later mappings of the same path
	// share its symbol table.
	regions map[string]*Region

	processes map[libpf.PID]*Process
	current   *Process

	pids      *trace.PidStream
	nextEvent trace.PidEvent
	// sliceStart is the time the current process was switched in.
	sliceStart uint64

	methods    *trace.MethodStream
	nextMethod trace.MethodRecord

	cache lookupCache
}

// New returns a process manager for the trace opened by r.
func New(r *trace.Reader, cfg Config) (*ProcessManager, error) {
	loader, err := symtab.NewLoader(cfg.Root, cfg.Demangle, cfg.SymbolCacheSize)
	if err != nil {
		return nil, err
	}
	pm := &ProcessManager{
		reader:    r,
		loader:    loader,
		regions:   make(map[string]*Region),
		processes: make(map[libpf.PID]*Process),
		nextEvent: trace.PidEvent{Type: trace.PidNoAction},
	}

	pm.current = newProcess(0, 0)
	pm.processes[0] = pm.current
	pm.addPredefinedRegions(pm.current)
	if cfg.KernelFile != "" || cfg.KernelMap != "" {
		pm.readKernelSymbols(cfg.KernelFile, cfg.KernelMap)
	}

	if err = pm.readDexList(); err != nil {
		return nil, err
	}

	if pm.pids, err = r.NewPidStream(); err != nil {
		return nil, err
	}
	if pm.methods, err = r.NewMethodStream(); err != nil {
		_ = pm.pids.Close()
		return nil, err
	}
	r.SetPidTracker(pm)
	return pm, nil
}

// readDexList loads the method listing of the dex files if the trace maps
// any.
func (pm *ProcessManager) readDexList() error {
	mapped, ok, err := pm.reader.FindDexMmap()
	if err != nil || !ok {
		return err
	}
	f, err := pm.reader.OpenFile(trace.ExtDexList)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warnf("Trace maps dex file %s but has no %s file", mapped, trace.ExtDexList)
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	pm.dex, err = symtab.ParseDexList(f, mapped)
	return err
}

// Close releases the private stream cursors.
func (pm *ProcessManager) Close() error {
	return errors.Join(pm.pids.Close(), pm.methods.Close())
}

// SymbolCache returns the cache of parsed ELF tables.
func (pm *ProcessManager) SymbolCache() *symtab.Cache {
	return pm.loader.Cache()
}

// CurrentPID advances the process state to time and returns the running
// process. Times must not decrease between calls.
func (pm *ProcessManager) CurrentPID(time uint64) (libpf.PID, error) {
	if time < pm.nextEvent.Time {
		return pm.current.PID, nil
	}
	for {
		if err := pm.handlePidEvent(&pm.nextEvent); err != nil {
			return 0, err
		}
		ev, err := pm.pids.Next()
		if errors.Is(err, io.EOF) {
			pm.nextEvent = trace.PidEvent{Time: trace.MaxTime, Type: trace.PidNoAction}
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read process events: %w", err)
		}
		pm.nextEvent = ev
		if ev.Time > time {
			break
		}
	}
	return pm.current.PID, nil
}

// Current returns the running process.
func (pm *ProcessManager) Current() *Process {
	return pm.current
}

// Process returns the state of pid, or nil.
func (pm *ProcessManager) Process(pid libpf.PID) *Process {
	return pm.processes[pid]
}

// Processes returns all known processes ordered by pid.
func (pm *ProcessManager) Processes() []*Process {
	out := make([]*Process, 0, len(pm.processes))
	for _, pid := range libpf.SortedKeys(pm.processes) {
		out = append(out, pm.processes[pid])
	}
	return out
}

// ProcessName returns the name of pid or symtab.UnknownName.
func (pm *ProcessManager) ProcessName(pid libpf.PID) string {
	p, ok := pm.processes[pid]
	if !ok || !pid.Valid() {
		return symtab.UnknownName
	}
	return p.Name
}

// Symbols returns every symbol of every registered region, ordered by path.
func (pm *ProcessManager) Symbols() []symtab.Symbol {
	var out []symtab.Symbol
	for _, path := range libpf.SortedKeys(pm.regions) {
		out = append(out, pm.regions[path].Table.Symbols...)
	}
	return out
}

func checkPID(ev *trace.PidEvent) error {
	if !ev.PID.Valid() {
		return fmt.Errorf("%w: %s event at time %d names pid %d",
			ErrPidOutOfRange, ev.Type, ev.Time, ev.PID)
	}
	return nil
}

// release forgets a region that lost its last holder.
func (pm *ProcessManager) release(r *Region) {
	if pm.regions[r.Path] == r {
		delete(pm.regions, r.Path)
	}
}

func (pm *ProcessManager) handlePidEvent(ev *trace.PidEvent) error {
	switch ev.Type {
	case trace.PidFork, trace.PidClone:
		if err := checkPID(ev); err != nil {
			return err
		}
		parent := pm.current
		child := newProcess(ev.PID, ev.Time)
		child.TGID = ev.TGID
		child.ParentPID = parent.PID
		child.Parent = parent
		child.Name = parent.Name
		if ev.Type == trace.PidFork {
			child.as = parent.as.copy()
		} else {
			child.Flags |= IsClone
			child.as = parent.as
		}
		pm.processes[ev.PID] = child

	case trace.PidSwitch:
		pm.current.CPUTime += ev.Time - pm.sliceStart
		pm.sliceStart = ev.Time
		if pm.current.Has(CalledExit) {
			pm.current.EndTime = ev.Time
		}
		if err := checkPID(ev); err != nil {
			return err
		}
		next, ok := pm.processes[ev.PID]
		if !ok {
			// Tracing may start after processes were created.
			next = newProcess(ev.PID, ev.Time)
			pm.processes[ev.PID] = next
			pm.copyKernelRegions(next)
		}
		pm.current = next

	case trace.PidExit:
		pm.current.ExitStatus = ev.ExitStatus
		pm.current.Flags |= CalledExit

	case trace.PidMunmap:
		pm.cache.invalidate()
		pm.current.as.remove(ev.VStart, ev.VEnd, pm.release)

	case trace.PidMmap:
		pm.cache.invalidate()
		pm.mmap(ev)

	case trace.PidExec:
		pm.cache.invalidate()
		p := pm.current
		p.Argv = slices.Clone(ev.Argv)
		if len(p.Argv) > 0 {
			p.Name = p.Argv[0]
		}
		p.Flags |= CalledExec
		pm.clearRegions(p)

	case trace.PidName, trace.PidKthreadName:
		p, ok := pm.processes[ev.PID]
		if !ok {
			p = newProcess(ev.PID, ev.Time)
			if ev.Type == trace.PidKthreadName {
				p.TGID = ev.TGID
			}
			pm.processes[ev.PID] = p
			pm.copyKernelRegions(p)
		}
		p.Name = ev.Path

	case trace.PidSymbolAdd, trace.PidSymbolRemove, trace.PidNoAction:
	default:
		log.Debugf("Ignoring %s event at time %d", ev.Type, ev.Time)
	}
	return nil
}

func (pm *ProcessManager) mmap(ev *trace.PidEvent) {
	p := pm.current
	r := pm.regions[ev.Path]
	if r == nil || r.VStart != ev.VStart || r.VEnd != ev.VEnd || r.Offset != ev.Offset {
		existing := r
		r = &Region{
			Path:   ev.Path,
			VStart: ev.VStart,
			VEnd:   ev.VEnd,
			Offset: ev.Offset,
		}
		if existing == nil {
			r.Table = pm.loadTable(ev.Path)
			pm.regions[ev.Path] = r
		} else {
			r.Table = existing.Table
			r.Flags |= RegionSharedSymbols
		}

		// Shared objects have symbols relative to their load address while
		// executables have absolute ones. The first symbol is synthetic.
		if syms := r.Table.Symbols; len(syms) > 2 && syms[1].Addr < ev.VStart {
			r.Base = ev.VStart
		}

		if p.Has(HasFirstMmap) {
			r.Flags |= RegionLibrary
		} else {
			p.Flags |= HasFirstMmap
		}
	}
	p.as.add(r)
}

func (pm *ProcessManager) loadTable(path string) *symtab.Table {
	if d, ok := pm.dex[path]; ok {
		return d.Table()
	}
	return pm.loader.LoadELF(path, false)
}

// clearRegions gives p a fresh address space holding only the kernel.
func (pm *ProcessManager) clearRegions(p *Process) {
	if p.Has(IsClone) {
		p.as = &AddressSpace{}
		p.Flags &^= IsClone
	} else {
		p.as.clear(pm.release)
	}
	pm.copyKernelRegions(p)
}
