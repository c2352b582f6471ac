package native

import (
	"os"
	"runtime"

	"github.com/deetdbg/deet/pkg/logflags"
	"github.com/deetdbg/deet/pkg/proc"
)

// Process represents all of the information the debugger
// is holding onto regarding the process we are debugging.
type Process struct {
	pid int // Process Pid

	process        *os.Process
	ctty           *os.File
	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	exited bool
}

// newProcess returns an initialized Process struct. Before returning,
// it will also launch a goroutine in order to handle ptrace(2)
// functions. For more information, see the documentation on
// `handlePtraceFuncs`.
func newProcess(pid int) *Process {
	dbp := &Process{
		pid:            pid,
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
	}
	go dbp.handlePtraceFuncs()
	return dbp
}

// Pid returns the process ID.
func (dbp *Process) Pid() int {
	return dbp.pid
}

// Exited returns true once a terminal status has been observed for the
// process, or it has been killed and reaped.
func (dbp *Process) Exited() bool {
	return dbp.exited
}

// Resume will continue the target until it stops, exits or is
// terminated by a signal.
func (dbp *Process) Resume() (proc.Status, error) {
	if dbp.exited {
		return nil, &proc.ErrProcessExited{Pid: dbp.pid}
	}
	if err := dbp.resume(); err != nil {
		return nil, err
	}
	return dbp.trapWait()
}

// Stacktrace returns the frames of the stopped process, innermost first.
// bi may be nil, in which case frames carry only addresses.
func (dbp *Process) Stacktrace(bi proc.SymbolLookup) ([]proc.Stackframe, error) {
	if dbp.exited {
		return nil, &proc.ErrProcessExited{Pid: dbp.pid}
	}
	regs, err := dbp.registers()
	if err != nil {
		return nil, err
	}
	return proc.ThreadStacktrace(regs, dbp, bi), nil
}

// Kill kills the process and waits until the kernel has reaped it. Calling
// Kill on a process that is already gone does nothing.
func (dbp *Process) Kill() error {
	if dbp.exited {
		return nil
	}
	err := dbp.kill()
	dbp.postExit()
	return err
}

func (dbp *Process) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_TRACEME to come from the thread that started the child.
	runtime.LockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- nil
	}
	close(dbp.ptraceDoneChan)
}

func (dbp *Process) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}

func (dbp *Process) postExit() {
	if dbp.exited {
		return
	}
	dbp.exited = true
	close(dbp.ptraceChan)
	if dbp.process != nil {
		if err := dbp.process.Release(); err != nil {
			logflags.ProcLogger().Debugf("releasing process %d: %v", dbp.pid, err)
		}
	}
	if dbp.ctty != nil {
		dbp.ctty.Close()
	}
}
