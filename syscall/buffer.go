package syscall

import (
	"github.com/losgopheros/nachos-go/internal/kassert"
	"github.com/losgopheros/nachos-go/machine"
)

// readByte reads one byte at addr from proc's address space through sim,
// retrying exactly once -- after giving the demand-paging path a chance to
// fault the covering page in -- before failing fatally (§7's retry policy).
func (d *Dispatcher) readByte(sim machine.Simulator, proc *Process, addr uint32) byte {
	v, ok := sim.ReadMem(addr, 1)
	if !ok {
		if proc.space != nil {
			_, _ = proc.space.LoadTLB(int(addr) / proc.space.PageSize())
		}
		v, ok = sim.ReadMem(addr, 1)
	}
	kassert.Require(d.log, ok, "syscall: user memory read at %#x failed after retry", addr)
	return byte(v)
}

// writeByte is readByte's write-side counterpart, marking the covering
// page dirty on success so the core map knows to preserve it on eviction.
func (d *Dispatcher) writeByte(sim machine.Simulator, proc *Process, addr uint32, b byte) {
	ok := sim.WriteMem(addr, 1, uint32(b))
	if !ok {
		if proc.space != nil {
			_, _ = proc.space.LoadTLB(int(addr) / proc.space.PageSize())
		}
		ok = sim.WriteMem(addr, 1, uint32(b))
	}
	kassert.Require(d.log, ok, "syscall: user memory write at %#x failed after retry", addr)
	if proc.space != nil {
		proc.space.MarkDirty(int(addr) / proc.space.PageSize())
	}
}

// readString reads a NUL-terminated string of at most maxLen bytes
// starting at addr.
func (d *Dispatcher) readString(sim machine.Simulator, proc *Process, addr uint32, maxLen int) string {
	buf := make([]byte, 0, 32)
	for i := 0; i < maxLen; i++ {
		b := d.readByte(sim, proc, addr+uint32(i))
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf)
}

// readBuffer reads n bytes starting at addr.
func (d *Dispatcher) readBuffer(sim machine.Simulator, proc *Process, addr uint32, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = d.readByte(sim, proc, addr+uint32(i))
	}
	return out
}

// writeBuffer writes data starting at addr.
func (d *Dispatcher) writeBuffer(sim machine.Simulator, proc *Process, addr uint32, data []byte) {
	for i, b := range data {
		d.writeByte(sim, proc, addr+uint32(i), b)
	}
}
