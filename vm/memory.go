// Package vm implements the kernel's virtual memory subsystem: per-process
// address spaces with a software-managed TLB and demand loading, a global
// physical-frame table (core map) with Enhanced Second-Chance replacement,
// and per-process swap backed by the file system.
package vm

import "fmt"

// MainMemory is the simulated machine's physical RAM: a flat byte array
// addressed by frame number, shared by every AddressSpace through the
// CoreMap. Grounded on the teacher's package-level memoriaPrincipal []byte
// array (cmd/memoria/marcos.go, swap.go), generalized into a constructor-
// injected type per the kernel's no-package-globals design (SPEC_FULL §9).
type MainMemory struct {
	bytes    []byte
	pageSize int
}

// NewMainMemory allocates numFrames frames of pageSize bytes each.
func NewMainMemory(numFrames, pageSize int) *MainMemory {
	return &MainMemory{bytes: make([]byte, numFrames*pageSize), pageSize: pageSize}
}

// PageSize returns the frame size in bytes.
func (m *MainMemory) PageSize() int { return m.pageSize }

// NumFrames returns the number of physical frames backing this memory.
func (m *MainMemory) NumFrames() int { return len(m.bytes) / m.pageSize }

// ReadFrame copies frame p's contents out.
func (m *MainMemory) ReadFrame(p int) []byte {
	off := p * m.pageSize
	out := make([]byte, m.pageSize)
	copy(out, m.bytes[off:off+m.pageSize])
	return out
}

// WriteFrame overwrites frame p's contents. data must be exactly PageSize.
func (m *MainMemory) WriteFrame(p int, data []byte) {
	off := p * m.pageSize
	copy(m.bytes[off:off+m.pageSize], data)
}

// ZeroFrame clears frame p to zero, the bss/uninitialized-data fill.
func (m *MainMemory) ZeroFrame(p int) {
	off := p * m.pageSize
	for i := off; i < off+m.pageSize; i++ {
		m.bytes[i] = 0
	}
}

// WriteRange overlays data into frame p starting at byte offset within the
// frame, used when demand-loading a segment that only partially covers a
// page. Fails if the write would run past the frame's end.
func (m *MainMemory) WriteRange(p, offset int, data []byte) error {
	if offset < 0 || offset+len(data) > m.pageSize {
		return fmt.Errorf("vm: MainMemory.WriteRange: frame %d offset %d len %d out of range", p, offset, len(data))
	}
	off := p*m.pageSize + offset
	copy(m.bytes[off:], data)
	return nil
}
