package machine

import (
	"fmt"
	"sync"
)

// DiskInterruptHandler is the callback a raw disk invokes, on its own
// goroutine, once a requested sector transfer completes.
type DiskInterruptHandler interface {
	RequestDone()
}

// Disk is the raw, asynchronous disk the file system layers a SynchDisk on
// top of. ReadRequest/WriteRequest start a transfer and return immediately;
// completion is signalled later through the handler registered with
// SetHandler, from a goroutine that is not the caller's.
type Disk interface {
	NumSectors() int
	SectorSize() int
	ReadRequest(sector int, data []byte)
	WriteRequest(sector int, data []byte)
	SetHandler(h DiskInterruptHandler)
}

// FakeDisk is a synchronous, in-memory Disk good enough to exercise the
// file system and disk-cache packages without a real simulator. Transfers
// complete "instantly" but the completion callback still runs on a
// separate goroutine, the way a real asynchronous device's would, so
// callers can't assume the callback runs before ReadRequest/WriteRequest
// returns.
type FakeDisk struct {
	mu         sync.Mutex
	sectors    [][]byte
	sectorSize int
	handler    DiskInterruptHandler
	reads      int
	writes     int
}

// NewFakeDisk allocates a disk of numSectors sectors, each sectorSize bytes.
func NewFakeDisk(numSectors, sectorSize int) *FakeDisk {
	d := &FakeDisk{
		sectors:    make([][]byte, numSectors),
		sectorSize: sectorSize,
	}
	for i := range d.sectors {
		d.sectors[i] = make([]byte, sectorSize)
	}
	return d
}

func (d *FakeDisk) NumSectors() int  { return len(d.sectors) }
func (d *FakeDisk) SectorSize() int  { return d.sectorSize }

func (d *FakeDisk) SetHandler(h DiskInterruptHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

func (d *FakeDisk) ReadRequest(sector int, data []byte) {
	d.mu.Lock()
	if sector < 0 || sector >= len(d.sectors) {
		d.mu.Unlock()
		panic(fmt.Sprintf("machine: read of out-of-range sector %d", sector))
	}
	copy(data, d.sectors[sector])
	d.reads++
	h := d.handler
	d.mu.Unlock()
	d.complete(h)
}

func (d *FakeDisk) WriteRequest(sector int, data []byte) {
	d.mu.Lock()
	if sector < 0 || sector >= len(d.sectors) {
		d.mu.Unlock()
		panic(fmt.Sprintf("machine: write of out-of-range sector %d", sector))
	}
	copy(d.sectors[sector], data)
	d.writes++
	h := d.handler
	d.mu.Unlock()
	d.complete(h)
}

func (d *FakeDisk) complete(h DiskInterruptHandler) {
	if h == nil {
		return
	}
	go h.RequestDone()
}

// Stats reports the number of completed read/write requests, for tests
// that assert on cache-hit behavior.
func (d *FakeDisk) Stats() (reads, writes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads, d.writes
}
