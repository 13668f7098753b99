package vm

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/losgopheros/nachos-go/fs"
	"github.com/losgopheros/nachos-go/internal/debugflag"
	"github.com/losgopheros/nachos-go/machine"
)

// UserStackSize is the fixed stack region every address space reserves
// past bss, matching the original's UserStackSize (8 pages at the
// original's 128-byte PAGE_SIZE).
const UserStackSize = 1024

// ErrBusFault is returned by TranslationFor when the virtual page is
// outside the address space entirely; callers surface this as the
// user-mode bus-error fault described in §7.
var ErrBusFault = errors.New("vm: bus fault: virtual page out of range")

type pte struct {
	phys     int
	valid    bool
	use      bool
	dirty    bool
	readOnly bool
	swapped  bool
}

type tlbEntry struct {
	valid    bool
	vpn      int
	phys     int
	use      bool
	dirty    bool
	readOnly bool
}

// AddressSpace is a process's page table plus the software TLB slots it
// lends to the simulator, demand-loaded lazily from an Executable and
// backed by a per-process Swap when memory is tight (§4.8).
type AddressSpace struct {
	mu       sync.Mutex
	entries  []pte
	numPages int
	pageSize int

	tlb       []tlbEntry
	tlbVictim int

	exe          machine.Executable
	codeAddr     uint32
	codeSize     uint32
	initDataAddr uint32
	initDataSize uint32

	coremap *CoreMap
	mem     *MainMemory
	swap    *Swap

	log   *slog.Logger
	debug *debugflag.Registry
}

// NewAddressSpace builds an address space sized to hold exe's code,
// initialized data, uninitialized data and a fixed stack region, with
// every page table entry initially invalid (demand-loaded), and opens a
// per-process swap file through fsys named by ownerID.
func NewAddressSpace(exe machine.Executable, coremap *CoreMap, fsys *fs.FileSystem, ownerID int64, pageSize, tlbSize int, log *slog.Logger, debug *debugflag.Registry) (*AddressSpace, error) {
	if log == nil {
		log = slog.Default()
	}
	codeSize := exe.CodeSize()
	initDataSize := exe.InitDataSize()
	uninitDataSize := exe.UninitDataSize()
	total := int(codeSize) + int(initDataSize) + int(uninitDataSize) + UserStackSize
	numPages := (total + pageSize - 1) / pageSize

	swap, err := NewSwap(fsys, ownerID, pageSize, numPages, log, debug)
	if err != nil {
		return nil, err
	}

	as := &AddressSpace{
		entries:        make([]pte, numPages),
		numPages:       numPages,
		pageSize:       pageSize,
		tlb:            make([]tlbEntry, tlbSize),
		exe:            exe,
		codeAddr:       exe.CodeAddr(),
		codeSize:       codeSize,
		initDataAddr:   exe.InitDataAddr(),
		initDataSize:   initDataSize,
		coremap:        coremap,
		mem:            coremap.MainMemory(),
		swap:           swap,
		log:            log,
		debug:          debug,
	}
	if debug.Enabled(debugflag.VirtualMem) {
		log.Debug("address space created", "pages", numPages, "codeSize", codeSize, "initDataSize", initDataSize)
	}
	return as, nil
}

// NumPages reports the address space's size in pages.
func (as *AddressSpace) NumPages() int { return as.numPages }

// PageSize reports the frame size this address space pages in.
func (as *AddressSpace) PageSize() int { return as.pageSize }

// MainMemory returns the physical memory this address space's frames live
// in, for syscall-layer byte copies once a translation is in hand.
func (as *AddressSpace) MainMemory() *MainMemory { return as.mem }

// TranslationFor resolves virtual page v to a physical frame, faulting it
// in from swap or demand-loading it from the executable as needed (§4.8).
func (as *AddressSpace) TranslationFor(v int) (int, error) {
	if v < 0 || v >= as.numPages {
		return 0, ErrBusFault
	}
	as.mu.Lock()
	e := as.entries[v]
	as.mu.Unlock()

	switch {
	case e.swapped:
		p, err := as.coremap.MapPhysPage(as, v)
		if err != nil {
			return 0, err
		}
		if err := as.swap.PullSwap(v, as.mem, p); err != nil {
			return 0, err
		}
		as.mu.Lock()
		// Marked dirty because its contents cannot be re-derived from the
		// executable: SwapOut writes only dirty pages back to swap, and a
		// page it drops unwritten is demand-loaded afresh.
		as.entries[v] = pte{phys: p, valid: true, readOnly: e.readOnly, use: true, dirty: true}
		as.mu.Unlock()
		if as.debug.Enabled(debugflag.VirtualMem) {
			as.log.Debug("page faulted in from swap", "vpn", v, "frame", p)
		}
		return p, nil

	case !e.valid:
		p, err := as.coremap.MapPhysPage(as, v)
		if err != nil {
			return 0, err
		}
		as.mem.ZeroFrame(p)
		readOnly := as.loadSegments(v, p)
		as.mu.Lock()
		as.entries[v] = pte{phys: p, valid: true, readOnly: readOnly, use: true}
		as.mu.Unlock()
		if as.debug.Enabled(debugflag.VirtualMem) {
			as.log.Debug("page demand-loaded", "vpn", v, "frame", p, "readOnly", readOnly)
		}
		return p, nil

	default:
		as.mu.Lock()
		as.entries[v].use = true
		phys := as.entries[v].phys
		as.mu.Unlock()
		return phys, nil
	}
}

// loadSegments overlays the intersection of page v's byte range with the
// code and initialized-data segments (bss and stack are left zeroed), and
// reports whether the code segment fully covers the page.
func (as *AddressSpace) loadSegments(v, p int) bool {
	lo := v * as.pageSize
	hi := lo + as.pageSize

	codeLo, codeHi := int(as.codeAddr), int(as.codeAddr+as.codeSize)
	if start, end, ok := overlap(lo, hi, codeLo, codeHi); ok {
		data := as.exe.ReadAt(int64(start-codeLo), end-start)
		_ = as.mem.WriteRange(p, start-lo, data)
	}
	if as.initDataSize > 0 {
		dataLo, dataHi := int(as.initDataAddr), int(as.initDataAddr+as.initDataSize)
		if start, end, ok := overlap(lo, hi, dataLo, dataHi); ok {
			fileOff := int(as.codeSize) + (start - dataLo)
			data := as.exe.ReadAt(int64(fileOff), end-start)
			_ = as.mem.WriteRange(p, start-lo, data)
		}
	}
	return lo >= codeLo && hi <= codeHi
}

func overlap(lo, hi, segLo, segHi int) (int, int, bool) {
	start := max(lo, segLo)
	end := min(hi, segHi)
	if start >= end {
		return 0, 0, false
	}
	return start, end, true
}

// PageUseDirty reports virtual page v's use and dirty bits, for CoreMap's
// clock sweep.
func (as *AddressSpace) PageUseDirty(v int) (use, dirty bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	e := as.entries[v]
	return e.use, e.dirty
}

// ClearPageUse clears virtual page v's use bit, the "second chance" a
// clock-sweep pass gives every frame it visits.
func (as *AddressSpace) ClearPageUse(v int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.entries[v].use = false
}

// MarkDirty records that virtual page v was written through, propagating
// the bit to any TLB slot currently caching it. The syscall-level memory
// writer calls this after a successful store.
func (as *AddressSpace) MarkDirty(v int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.entries[v].dirty = true
	for i := range as.tlb {
		if as.tlb[i].valid && as.tlb[i].vpn == v {
			as.tlb[i].dirty = true
		}
	}
}

// SwapOut evicts virtual page v from main memory: any TLB entry for v is
// invalidated with its dirty bit folded in first; only a dirty, writable
// page is actually written to swap, but the page is unmapped regardless.
func (as *AddressSpace) SwapOut(v int) error {
	as.mu.Lock()
	e := as.entries[v]
	if !e.valid || e.swapped {
		as.mu.Unlock()
		return nil
	}
	for i := range as.tlb {
		if as.tlb[i].valid && as.tlb[i].vpn == v {
			e.dirty = e.dirty || as.tlb[i].dirty
			as.tlb[i].valid = false
		}
	}
	shouldWrite := e.dirty && !e.readOnly
	phys := e.phys
	as.mu.Unlock()

	if shouldWrite {
		if err := as.swap.WriteSwap(v, as.mem, phys); err != nil {
			return err
		}
	}

	as.mu.Lock()
	e = as.entries[v]
	e.valid = false
	e.use = false
	e.dirty = false
	if shouldWrite {
		e.swapped = true
	}
	as.entries[v] = e
	as.mu.Unlock()
	if as.debug.Enabled(debugflag.VirtualMem) {
		as.log.Debug("page swapped out", "vpn", v, "wroteSwap", shouldWrite)
	}
	return nil
}

// LoadTLB resolves v to a physical frame and installs it into a free (or,
// failing that, clock-evicted) software TLB slot, returning the frame.
func (as *AddressSpace) LoadTLB(v int) (int, error) {
	phys, err := as.TranslationFor(v)
	if err != nil {
		return 0, err
	}
	as.mu.Lock()
	slot := -1
	for i, e := range as.tlb {
		if !e.valid {
			slot = i
			break
		}
	}
	as.mu.Unlock()
	if slot == -1 {
		slot = as.EvictTLB()
	}
	as.mu.Lock()
	as.tlb[slot] = tlbEntry{valid: true, vpn: v, phys: phys, readOnly: as.entries[v].readOnly}
	as.mu.Unlock()
	return phys, nil
}

// EvictTLB round-robins to the next TLB slot, folding its use/dirty bits
// back into the page table and invalidating it before returning its index
// for reuse.
func (as *AddressSpace) EvictTLB() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	slot := as.tlbVictim
	as.tlbVictim = (as.tlbVictim + 1) % len(as.tlb)
	e := &as.tlb[slot]
	if e.valid {
		pt := &as.entries[e.vpn]
		pt.use = pt.use || e.use
		pt.dirty = pt.dirty || e.dirty
		e.valid = false
	}
	return slot
}

// SaveState folds every valid TLB slot's use/dirty bits back into the page
// table and invalidates them, run when this space's thread is switched
// out (thread.Switchable).
func (as *AddressSpace) SaveState() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for i := range as.tlb {
		e := &as.tlb[i]
		if e.valid {
			pt := &as.entries[e.vpn]
			pt.use = pt.use || e.use
			pt.dirty = pt.dirty || e.dirty
			e.valid = false
		}
	}
}

// RestoreState invalidates every software TLB slot, run when this space's
// thread is switched in (thread.Switchable).
func (as *AddressSpace) RestoreState() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for i := range as.tlb {
		as.tlb[i] = tlbEntry{}
	}
}

// Close releases every physical frame this address space owns and deletes
// its swap file, run when the owning process exits.
func (as *AddressSpace) Close() error {
	as.coremap.FreeAll(as)
	return as.swap.Close()
}
