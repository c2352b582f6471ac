package proc

// Registers is the subset of the CPU state of a stopped thread needed to
// report a stop and walk its stack.
type Registers interface {
	// PC returns the instruction pointer.
	PC() uint64
	// BP returns the frame base pointer.
	BP() uint64
}
