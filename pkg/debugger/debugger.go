package debugger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/deetdbg/deet/pkg/logflags"
	"github.com/deetdbg/deet/pkg/proc"
	"github.com/deetdbg/deet/pkg/proc/native"
	"github.com/deetdbg/deet/pkg/symbols"
)

// ErrNoTarget is returned by operations that need a live process when the
// debugger has none.
var ErrNoTarget = errors.New("no target running")

// ErrNotExecutable is returned when the program to run is not an
// executable file for this platform.
var ErrNotExecutable = errors.New("not an executable file")

// LaunchError is returned by Run when the program could not be started or
// never reached its first stop.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("could not launch process %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Target is a traced process.
type Target interface {
	Pid() int
	Exited() bool
	Resume() (proc.Status, error)
	Stacktrace(bi proc.SymbolLookup) ([]proc.Stackframe, error)
	// EntryPoint is the runtime address of the program entry point.
	EntryPoint() (uint64, error)
	// Kill kills and reaps the process, it does nothing if the process is
	// already gone.
	Kill() error
}

// LaunchFunc starts a process stopped at its first instruction.
type LaunchFunc func(cmd []string, flags proc.LaunchFlags, tty string) (Target, error)

func launchNative(cmd []string, flags proc.LaunchFlags, tty string) (Target, error) {
	p, err := native.Launch(cmd, flags, tty)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Debugger keeps track of the one process being debugged and of the
// symbols of its executable.
type Debugger struct {
	config *Config
	// path of the program every run launches.
	executable string
	bi         *symbols.BinaryInfo
	// image resolves the addresses of the live target.
	image proc.SymbolLookup

	targetMutex sync.Mutex
	target      Target
	log         logflags.Logger
}

// Config provides the configuration to start a Debugger.
type Config struct {
	// DisableASLR launches processes with address space randomization off.
	DisableASLR bool

	// TTY is the path of the terminal processes are attached to. If empty
	// they share the debugger's terminal.
	TTY string

	// Launch replaces the ptrace backend, used by tests.
	Launch LaunchFunc
}

// New creates a new Debugger for the program at executable. bi holds the
// symbols of that program and may be nil.
func New(config *Config, executable string, bi *symbols.BinaryInfo) *Debugger {
	if config == nil {
		config = &Config{}
	}
	if config.Launch == nil {
		config.Launch = launchNative
	}
	return &Debugger{
		config:     config,
		executable: executable,
		bi:         bi,
		log:        logflags.DebuggerLogger(),
	}
}

// TargetPid returns the pid of the live process, if there is one.
func (d *Debugger) TargetPid() (int, bool) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if d.target == nil {
		return 0, false
	}
	return d.target.Pid(), true
}

// Run kills the live process, if any, launches a new one with the given
// arguments and resumes it once.
func (d *Debugger) Run(args []string) (proc.Status, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()

	if err := d.kill(); err != nil {
		d.log.Errorf("could not kill previous process: %v", err)
	}

	if err := verifyBinaryFormat(d.executable); err != nil {
		d.log.Warnf("refusing to launch %s: %v", d.executable, err)
		return nil, &LaunchError{Path: d.executable, Err: err}
	}

	var flags proc.LaunchFlags
	if d.config.DisableASLR {
		flags |= proc.LaunchDisableASLR
	}
	cmd := append([]string{d.executable}, args...)
	d.log.Infof("launching process with args: %v", cmd)
	t, err := d.config.Launch(cmd, flags, d.config.TTY)
	if err != nil {
		d.log.Warnf("launch of %v failed: %v", cmd, err)
		return nil, &LaunchError{Path: d.executable, Err: err}
	}
	d.target = t
	d.image = d.relocate(t)
	return d.resume()
}

// relocate returns the symbols of the executable at the addresses it was
// loaded at in t.
func (d *Debugger) relocate(t Target) proc.SymbolLookup {
	if d.bi == nil {
		return nil
	}
	entry, err := t.EntryPoint()
	if err != nil {
		d.log.Warnf("could not read entry point of process %d, using link addresses: %v", t.Pid(), err)
		return d.bi.Relocate(0)
	}
	img := d.bi.Relocate(entry)
	if img.StaticBase != 0 {
		d.log.Debugf("process %d loaded at %#x", t.Pid(), img.StaticBase)
	}
	return img
}

// Continue resumes the live process until its next stop, exit or death.
func (d *Debugger) Continue() (proc.Status, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if d.target == nil {
		return nil, ErrNoTarget
	}
	return d.resume()
}

func (d *Debugger) resume() (proc.Status, error) {
	status, err := d.target.Resume()
	if err != nil {
		if d.target.Exited() {
			d.target = nil
		}
		return nil, err
	}
	if proc.Terminal(status) {
		d.log.Debugf("process %d is gone: %#v", d.target.Pid(), status)
		d.target = nil
	}
	return status, nil
}

// Stacktrace returns the frames of the live process, innermost first.
func (d *Debugger) Stacktrace() ([]proc.Stackframe, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if d.target == nil {
		return nil, ErrNoTarget
	}
	return d.target.Stacktrace(d.image)
}

// Kill kills the target process, if there is one.
func (d *Debugger) Kill() error {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	return d.kill()
}

func (d *Debugger) kill() error {
	if d.target == nil {
		return nil
	}
	t := d.target
	d.target = nil
	d.image = nil
	d.log.Infof("killing process %d", t.Pid())
	return t.Kill()
}
