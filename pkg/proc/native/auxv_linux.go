package native

import (
	"encoding/binary"
)

const (
	_AT_NULL  = 0
	_AT_ENTRY = 9
)

// entryPointFromAuxv searches the elf auxiliary vector for the entry point
// address. The vector is a list of (tag, value) pairs of native words
// ending with AT_NULL, see the System V ABI AMD64 supplement, section 3.4.3.
func entryPointFromAuxv(auxv []byte) uint64 {
	const wordSize = 8
	for len(auxv) >= 2*wordSize {
		tag := binary.LittleEndian.Uint64(auxv)
		val := binary.LittleEndian.Uint64(auxv[wordSize:])
		auxv = auxv[2*wordSize:]

		switch tag {
		case _AT_NULL:
			return 0
		case _AT_ENTRY:
			return val
		}
	}
	return 0
}
