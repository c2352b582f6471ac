package native

import (
	"debug/elf"
	"fmt"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/deetdbg/deet/pkg/proc"
)

const _AARCH64_GREGS_SIZE = 34 * 8

// PTRACE_GETREGS is not implemented on arm64, the general purpose
// registers are only reachable through PTRACE_GETREGSET.
func ptraceGetGRegs(pid int, regs *sys.PtraceRegs) (err error) {
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(regs)), Len: _AARCH64_GREGS_SIZE}
	_, _, err = syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(pid), uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err == syscall.Errno(0) {
		err = nil
	}
	return
}

func (dbp *Process) registers() (proc.Registers, error) {
	var (
		regs sys.PtraceRegs
		err  error
	)
	dbp.execPtraceFunc(func() { err = ptraceGetGRegs(dbp.pid, &regs) })
	if err != nil {
		return nil, fmt.Errorf("could not read registers of process %d: %w", dbp.pid, err)
	}
	// x29 is the frame pointer.
	return &linuxRegisters{pc: regs.Pc, bp: regs.Regs[29]}, nil
}
