package proc

import (
	"encoding/binary"
	"fmt"
)

// ptrSize is the size of a pointer on every architecture we support.
const ptrSize = 8

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

type memCache struct {
	cacheAddr uint64
	cache     []byte
	mem       MemoryReader
}

func (m *memCache) contains(addr uint64, size int) bool {
	if size > len(m.cache) {
		return false
	}
	return addr >= m.cacheAddr && addr <= (m.cacheAddr+uint64(len(m.cache)-size))
}

func (m *memCache) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if m.contains(addr, len(data)) {
		copy(data, m.cache[addr-m.cacheAddr:])
		return len(data), nil
	}

	return m.mem.ReadMemory(data, addr)
}

// cacheMemory reads size bytes at addr in one request and returns a
// MemoryReader that serves reads in that range from the copy. If the read
// fails mem is returned unchanged.
func cacheMemory(mem MemoryReader, addr uint64, size int) MemoryReader {
	if size <= 0 {
		return mem
	}
	if cacheMem, isCache := mem.(*memCache); isCache {
		if cacheMem.contains(addr, size) {
			return mem
		}
		mem = cacheMem.mem
	}
	cache := make([]byte, size)
	n, err := mem.ReadMemory(cache, addr)
	if err != nil || n != size {
		return mem
	}
	return &memCache{addr, cache, mem}
}

// readUintRaw reads a little endian pointer sized integer at addr.
func readUintRaw(mem MemoryReader, addr uint64) (uint64, error) {
	buf := make([]byte, ptrSize)
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return 0, err
	}
	if n != ptrSize {
		return 0, fmt.Errorf("short read at %#x: %d bytes", addr, n)
	}
	return binary.LittleEndian.Uint64(buf), nil
}
