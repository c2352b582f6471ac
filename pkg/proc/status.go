package proc

import (
	"fmt"
	"syscall"
)

// Status is what the kernel reported the last time we waited on the
// process. It is always one of Stopped, Exited or Signaled.
type Status interface {
	isStatus()
}

// Stopped means the process is in a trace stop: it is alive and can be
// resumed or inspected.
type Stopped struct {
	// Signal that caused the stop.
	Signal syscall.Signal
	// PC is the instruction pointer at the time of the stop.
	PC uint64
}

// Exited means the process terminated normally.
type Exited struct {
	Code int
}

// Signaled means the process was terminated by a signal.
type Signaled struct {
	Signal syscall.Signal
}

func (Stopped) isStatus()  {}
func (Exited) isStatus()   {}
func (Signaled) isStatus() {}

// Terminal returns true if s means that the process no longer exists.
func Terminal(s Status) bool {
	switch s.(type) {
	case Exited, Signaled:
		return true
	}
	return false
}

// LaunchFlags specifies options that can be passed to Launch.
type LaunchFlags uint8

const (
	// LaunchDisableASLR disables address space randomization for the
	// launched process.
	LaunchDisableASLR LaunchFlags = 1 << iota
)

// ErrProcessExited is returned by operations attempted on a process that
// has already exited.
type ErrProcessExited struct {
	Pid int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("process %d has exited", pe.Pid)
}
