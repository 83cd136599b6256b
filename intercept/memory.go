package intercept

import (
	"bytes"
	"sort"
)

// Memory gives the formatter access to target memory referenced by captured pointers.
type Memory interface {
	// Read returns n bytes starting at addr, false if any of the range was not captured.
	Read(addr uint64, n int) ([]byte, bool)
	// ReadCString returns the bytes at addr up to, not including, the first NUL.
	ReadCString(addr uint64) ([]byte, bool)
}

// WritableMemory is implemented by memory that real implementations may write output parameters into.
type WritableMemory interface {
	Memory
	// Write stores data at addr, false if the range was not captured.
	Write(addr uint64, data []byte) bool
}

const memoryImageBase = 0x1000
const memoryImageAlign = 16

type memRegion struct {
	addr uint64
	data []byte
}

// MemoryImage is a set of captured memory regions. Regions must not overlap.
type MemoryImage struct {
	regions []memRegion // sorted by addr
	next    uint64
}

// NewMemoryImage returns an empty image.
func NewMemoryImage() *MemoryImage {
	return &MemoryImage{next: memoryImageBase}
}

// Map records the contents of target memory at addr.
func (m *MemoryImage) Map(addr uint64, data []byte) {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].addr >= addr
	})
	m.regions = append(m.regions, memRegion{})
	copy(m.regions[i+1:], m.regions[i:])
	m.regions[i] = memRegion{addr: addr, data: bytes.Clone(data)}
	if end := addr + uint64(len(data)); end >= m.next {
		m.next = (end + memoryImageAlign) &^ (memoryImageAlign - 1)
	}
}

// Alloc places data at a fresh address above every mapped region and returns that address.
func (m *MemoryImage) Alloc(data []byte) uint64 {
	if m.next == 0 {
		m.next = memoryImageBase
	}
	addr := m.next
	m.Map(addr, data)
	return addr
}

func (m *MemoryImage) region(addr uint64) (memRegion, bool) {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].addr > addr
	})
	if i == 0 {
		return memRegion{}, false
	}
	r := m.regions[i-1]
	if addr >= r.addr+uint64(len(r.data)) {
		return memRegion{}, false
	}
	return r, true
}

func (m *MemoryImage) Read(addr uint64, n int) ([]byte, bool) {
	if n < 0 {
		return nil, false
	} else if n == 0 {
		return nil, true
	}
	r, ok := m.region(addr)
	if !ok {
		return nil, false
	}
	off := addr - r.addr
	if off+uint64(n) > uint64(len(r.data)) {
		return nil, false
	}
	return r.data[off : off+uint64(n)], true
}

func (m *MemoryImage) ReadCString(addr uint64) ([]byte, bool) {
	r, ok := m.region(addr)
	if !ok {
		return nil, false
	}
	data := r.data[addr-r.addr:]
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return data[:i], true
	}
	return nil, false // unterminated within the captured region
}

func (m *MemoryImage) Write(addr uint64, data []byte) bool {
	dst, ok := m.Read(addr, len(data))
	if !ok {
		return false
	}
	copy(dst, data)
	return true
}
