package native

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/deetdbg/deet/pkg/logflags"
	"github.com/deetdbg/deet/pkg/proc"
)

const (
	personalityGetPersonality = 0xffffffff // argument to pass to personality syscall to get the current personality
	_ADDR_NO_RANDOMIZE        = 0x0040000  // ADDR_NO_RANDOMIZE linux constant
)

// Launch creates and begins debugging a new process. First entry in
// `cmd` is the program to run, and then rest are the arguments
// to be supplied to that process. The returned process is stopped at
// the first instruction of the new program.
// If tty is not empty the process runs with that terminal as its
// controlling terminal instead of sharing ours.
func Launch(cmd []string, flags proc.LaunchFlags, tty string) (*Process, error) {
	if len(cmd) == 0 {
		return nil, errors.New("no command to launch")
	}
	var (
		process *exec.Cmd
		err     error
	)

	dbp := newProcess(0)
	dbp.execPtraceFunc(func() {
		if flags&proc.LaunchDisableASLR != 0 {
			oldPersonality, _, err := syscall.Syscall(sys.SYS_PERSONALITY, personalityGetPersonality, 0, 0)
			if err == syscall.Errno(0) {
				newPersonality := oldPersonality | _ADDR_NO_RANDOMIZE
				syscall.Syscall(sys.SYS_PERSONALITY, newPersonality, 0, 0)
				defer syscall.Syscall(sys.SYS_PERSONALITY, oldPersonality, 0, 0)
			}
		}

		process = exec.Command(cmd[0])
		process.Args = cmd
		process.Stdin = os.Stdin
		process.Stdout = os.Stdout
		process.Stderr = os.Stderr
		process.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
		if tty != "" {
			dbp.ctty, err = attachProcessToTTY(process, tty)
			if err != nil {
				return
			}
		}
		err = process.Start()
	})
	if err != nil {
		if dbp.ctty != nil {
			dbp.ctty.Close()
			dbp.ctty = nil
		}
		dbp.postExit()
		return nil, err
	}
	dbp.pid = process.Process.Pid
	dbp.process = process.Process
	logflags.ProcLogger().Debugf("launched %q as pid %d", cmd[0], dbp.pid)

	status, err := dbp.trapWait()
	if err != nil {
		dbp.Kill()
		return nil, fmt.Errorf("waiting for target execve failed: %w", err)
	}
	if _, stopped := status.(proc.Stopped); !stopped {
		// trapWait already released a process that is gone.
		dbp.Kill()
		return nil, fmt.Errorf("process %d did not stop after execve: %s", dbp.pid, describeStatus(status))
	}
	// The kernel kills the process if the ptrace thread goes away, however
	// deet terminates.
	dbp.execPtraceFunc(func() { err = ptraceSetOptions(dbp.pid, sys.PTRACE_O_EXITKILL) })
	if err != nil {
		dbp.Kill()
		return nil, fmt.Errorf("could not set ptrace options of process %d: %w", dbp.pid, err)
	}
	return dbp, nil
}

// EntryPoint returns the entry point address of the process as mapped by
// the kernel, which differs from the ELF header for position independent
// executables.
func (dbp *Process) EntryPoint() (uint64, error) {
	if dbp.exited {
		return 0, &proc.ErrProcessExited{Pid: dbp.pid}
	}
	auxvbuf, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", dbp.pid))
	if err != nil {
		return 0, fmt.Errorf("could not read auxiliary vector: %v", err)
	}
	entry := entryPointFromAuxv(auxvbuf)
	if entry == 0 {
		return 0, fmt.Errorf("no entry point in the auxiliary vector of process %d", dbp.pid)
	}
	return entry, nil
}

func describeStatus(s proc.Status) string {
	switch s := s.(type) {
	case proc.Exited:
		return fmt.Sprintf("exited with code %d", s.Code)
	case proc.Signaled:
		return fmt.Sprintf("killed by signal %s", sys.SignalName(s.Signal))
	case proc.Stopped:
		return fmt.Sprintf("stopped by signal %s", sys.SignalName(s.Signal))
	}
	return "unknown status"
}

func (dbp *Process) resume() error {
	var err error
	dbp.execPtraceFunc(func() { err = ptraceCont(dbp.pid, 0) })
	if err != nil {
		if errors.Is(err, sys.ESRCH) {
			// The process vanished while it was stopped, collect it.
			dbp.Kill()
		}
		return fmt.Errorf("could not continue process %d: %w", dbp.pid, err)
	}
	return nil
}

// trapWait blocks until the kernel reports a state change of the process
// and classifies it. Terminal states release the process.
func (dbp *Process) trapWait() (proc.Status, error) {
	for {
		wpid, status, err := dbp.wait(dbp.pid, 0)
		if err != nil {
			if errors.Is(err, sys.ECHILD) {
				dbp.postExit()
			}
			return nil, fmt.Errorf("wait4 on process %d: %w", dbp.pid, err)
		}
		if wpid != dbp.pid {
			continue
		}
		switch {
		case status.Exited():
			logflags.ProcLogger().Debugf("process %d exited with code %d", wpid, status.ExitStatus())
			dbp.postExit()
			return proc.Exited{Code: status.ExitStatus()}, nil
		case status.Signaled():
			logflags.ProcLogger().Debugf("process %d killed by %s", wpid, status.Signal())
			dbp.postExit()
			return proc.Signaled{Signal: status.Signal()}, nil
		case status.Stopped():
			regs, err := dbp.registers()
			if err != nil {
				return nil, err
			}
			logflags.ProcLogger().Debugf("process %d stopped by %s at %#x", wpid, status.StopSignal(), regs.PC())
			return proc.Stopped{Signal: status.StopSignal(), PC: regs.PC()}, nil
		}
		// Continued notifications carry no state we report.
	}
}

func (dbp *Process) wait(pid, options int) (int, *sys.WaitStatus, error) {
	var s sys.WaitStatus
	for {
		wpid, err := sys.Wait4(pid, &s, sys.WALL|options, nil)
		if err == sys.EINTR {
			continue
		}
		return wpid, &s, err
	}
}

func (dbp *Process) kill() error {
	if dbp.pid == 0 {
		return nil
	}
	if err := sys.Kill(dbp.pid, sys.SIGKILL); err != nil {
		logflags.ProcLogger().Warnf("could not deliver SIGKILL to process %d: %v", dbp.pid, err)
	}
	for {
		_, status, err := dbp.wait(dbp.pid, 0)
		if err != nil {
			if errors.Is(err, sys.ECHILD) {
				return nil
			}
			return fmt.Errorf("reaping process %d: %w", dbp.pid, err)
		}
		if status.Exited() || status.Signaled() {
			return nil
		}
	}
}

// ReadMemory reads len(data) bytes of the process memory starting at addr.
// It implements proc.MemoryReader.
func (dbp *Process) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if dbp.exited {
		return 0, &proc.ErrProcessExited{Pid: dbp.pid}
	}
	if len(data) == 0 {
		return 0, nil
	}
	dbp.execPtraceFunc(func() { n, err = ptracePeekData(dbp.pid, uintptr(addr), data) })
	if err == nil && n != len(data) {
		err = fmt.Errorf("short read at %#x: %d of %d bytes", addr, n, len(data))
	}
	return n, err
}
