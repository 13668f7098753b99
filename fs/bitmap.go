package fs

import (
	"log/slog"
	"sync"

	"github.com/Workiva/go-datastructures/bitarray"

	"github.com/losgopheros/nachos-go/internal/kassert"
)

// Bitmap is the free-sector bitmap: one bit per sector, set iff allocated.
// It is itself persisted as the file at sector 0 (§6). The bits live in a
// bitarray.BitArray, as thread.PriorityArray's occupancy bits do; Find
// scans them one at a time with GetBit.
type Bitmap struct {
	mu    sync.Mutex
	bits  bitarray.BitArray
	nbits int
	nfree int
	log   *slog.Logger
}

// NewBitmap builds a bitmap of nbits sectors, all initially free.
func NewBitmap(nbits int, log *slog.Logger) *Bitmap {
	return &Bitmap{
		bits:  bitarray.NewBitArray(uint64(nbits)),
		nbits: nbits,
		nfree: nbits,
		log:   log,
	}
}

// Find allocates and returns the lowest-numbered free bit, or ok=false if
// the bitmap is full.
func (b *Bitmap) Find() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.nbits; i++ {
		set, _ := b.bits.GetBit(uint64(i))
		if !set {
			_ = b.bits.SetBit(uint64(i))
			b.nfree--
			return i, true
		}
	}
	return 0, false
}

// Mark allocates a specific sector, used when restoring a known layout
// (sectors 0 and 1 during Format, or a rollback that re-marks sectors).
func (b *Bitmap) Mark(i int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kassert.Require(b.log, i >= 0 && i < b.nbits, "bitmap: Mark(%d) out of range", i)
	set, _ := b.bits.GetBit(uint64(i))
	if !set {
		_ = b.bits.SetBit(uint64(i))
		b.nfree--
	}
}

// Clear frees sector i.
func (b *Bitmap) Clear(i int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kassert.Require(b.log, i >= 0 && i < b.nbits, "bitmap: Clear(%d) out of range", i)
	set, _ := b.bits.GetBit(uint64(i))
	if set {
		_ = b.bits.ClearBit(uint64(i))
		b.nfree++
	}
}

// Test reports whether sector i is allocated.
func (b *Bitmap) Test(i int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, _ := b.bits.GetBit(uint64(i))
	return set
}

// NumFree reports how many sectors remain unallocated.
func (b *Bitmap) NumFree() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nfree
}

// Bytes serializes the bitmap to a packed byte slice, one bit per sector,
// for writing into the free-map file's data blocks.
func (b *Bitmap) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, (b.nbits+7)/8)
	for i := 0; i < b.nbits; i++ {
		set, _ := b.bits.GetBit(uint64(i))
		if set {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// SetBytes restores the bitmap from the packed representation Bytes wrote.
func (b *Bitmap) SetBytes(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bits = bitarray.NewBitArray(uint64(b.nbits))
	b.nfree = b.nbits
	for i := 0; i < b.nbits && i/8 < len(data); i++ {
		if data[i/8]&(1<<(i%8)) != 0 {
			_ = b.bits.SetBit(uint64(i))
			b.nfree--
		}
	}
}

// Snapshot returns a copy of which sectors are currently marked, for
// Check()'s comparison against a freshly rebuilt shadow bitmap.
func (b *Bitmap) Snapshot() map[int]bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[int]bool)
	for i := 0; i < b.nbits; i++ {
		set, _ := b.bits.GetBit(uint64(i))
		if set {
			out[i] = true
		}
	}
	return out
}
