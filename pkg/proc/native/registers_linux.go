package native

// linuxRegisters is the part of the register file the stack walk needs.
type linuxRegisters struct {
	pc, bp uint64
}

func (r *linuxRegisters) PC() uint64 { return r.pc }
func (r *linuxRegisters) BP() uint64 { return r.bp }
