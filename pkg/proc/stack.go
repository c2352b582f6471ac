package proc

// SymbolLookup resolves instruction addresses to source level names. A miss
// is reported with ok == false, never with an error.
type SymbolLookup interface {
	FunctionNameFor(pc uint64) (name string, ok bool)
	SourceLineFor(pc uint64) (line string, ok bool)
}

// Stackframe represents a frame in a system stack.
type Stackframe struct {
	// Index of the frame, 0 is the innermost frame.
	Index int
	// PC is the current instruction pointer for frame 0 and the return
	// address read from the stack for every other frame.
	PC uint64
	// BP is the frame base the return address was read from. For frame 0
	// it is the value of the frame base register.
	BP uint64
	// Function containing PC, empty if no symbol covers it.
	Function string
	// Line is the file:line of PC, empty if the line table has no entry.
	Line string
}

// stackIterator holds information
// required to iterate and walk the program
// stack.
//
// The walk follows the frame pointer chain: the word at bp is the frame
// base of the caller and the word right above it is the return address
// into the caller.
type stackIterator struct {
	pc, bp uint64
	top    bool
	atend  bool
	frame  Stackframe
	bi     SymbolLookup
	mem    MemoryReader
	idx    int
}

func newStackIterator(bi SymbolLookup, mem MemoryReader, pc, bp uint64) *stackIterator {
	return &stackIterator{pc: pc, bp: bp, top: true, bi: bi, mem: mem}
}

// Next points the iterator to the next stack frame.
// It returns false once a frame link can not be read, which happens at the
// outermost frame.
func (it *stackIterator) Next() bool {
	if it.atend {
		return false
	}
	if it.top {
		it.top = false
		it.frame = it.newStackframe(it.pc, it.bp)
		return true
	}

	mem := cacheMemory(it.mem, it.bp, 2*ptrSize)
	callerBP, err := readUintRaw(mem, it.bp)
	if err != nil {
		it.atend = true
		return false
	}
	ret, err := readUintRaw(mem, it.bp+ptrSize)
	if err != nil {
		it.atend = true
		return false
	}

	it.frame = it.newStackframe(ret, it.bp)

	// The stack grows down, the frame of a caller is always above the
	// frame of its callee.
	if callerBP <= it.bp {
		it.atend = true
	}
	it.bp = callerBP
	return true
}

// Frame returns the frame the iterator is pointing at.
func (it *stackIterator) Frame() Stackframe {
	return it.frame
}

func (it *stackIterator) newStackframe(pc, bp uint64) Stackframe {
	r := Stackframe{Index: it.idx, PC: pc, BP: bp}
	it.idx++
	if it.bi == nil {
		return r
	}
	if name, ok := it.bi.FunctionNameFor(pc); ok {
		r.Function = name
	}
	if line, ok := it.bi.SourceLineFor(pc); ok {
		r.Line = line
	}
	return r
}

// ThreadStacktrace returns the stack trace of a stopped thread, given its
// registers, innermost frame first.
func ThreadStacktrace(regs Registers, mem MemoryReader, bi SymbolLookup) []Stackframe {
	it := newStackIterator(bi, mem, regs.PC(), regs.BP())
	var frames []Stackframe
	for it.Next() {
		frames = append(frames, it.Frame())
	}
	return frames
}
