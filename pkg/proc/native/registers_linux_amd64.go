package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/deetdbg/deet/pkg/proc"
)

func (dbp *Process) registers() (proc.Registers, error) {
	var (
		regs sys.PtraceRegs
		err  error
	)
	dbp.execPtraceFunc(func() { err = sys.PtraceGetRegs(dbp.pid, &regs) })
	if err != nil {
		return nil, fmt.Errorf("could not read registers of process %d: %w", dbp.pid, err)
	}
	return &linuxRegisters{pc: regs.Rip, bp: regs.Rbp}, nil
}
