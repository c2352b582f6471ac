package native

import (
	sys "golang.org/x/sys/unix"
)

// ptraceCont executes ptrace PTRACE_CONT
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// ptraceSetOptions executes ptrace PTRACE_SETOPTIONS
func ptraceSetOptions(tid, options int) error {
	return sys.PtraceSetOptions(tid, options)
}

// ptracePeekData reads len(data) bytes at addr one word at a time with
// PTRACE_PEEKDATA. Unmapped addresses fail with EIO.
func ptracePeekData(tid int, addr uintptr, data []byte) (int, error) {
	return sys.PtracePeekData(tid, addr, data)
}
