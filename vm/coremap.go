package vm

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/losgopheros/nachos-go/fs"
	"github.com/losgopheros/nachos-go/internal/debugflag"
)

type frameEntry struct {
	owner *AddressSpace
	vpn   int
}

// CoreMap is the global physical-frame table: for every frame, which
// AddressSpace owns it and which of that space's virtual pages it holds.
// A single mutex guards the frame table and free bitmap, matching the
// one-mutex-per-shared-structure style used throughout this kernel
// (Scheduler, FileTable); it is never held across a victim's swap-out,
// since that can suspend the calling thread (see MapPhysPage).
//
// The free/allocated bitmap reuses fs.Bitmap rather than rolling a second
// bitarray.BitArray wrapper: a core map's free-frame tracking is exactly
// the same shape as the file system's free-sector tracking (one bit per
// slot, find-first-clear, mark, clear), so the kernel's one bitmap type
// serves both (see DESIGN.md).
type CoreMap struct {
	mu     sync.Mutex
	frames []frameEntry
	free   *fs.Bitmap
	victim int

	mem   *MainMemory
	log   *slog.Logger
	debug *debugflag.Registry
}

// NewCoreMap builds a core map over numFrames physical frames.
func NewCoreMap(numFrames int, mem *MainMemory, log *slog.Logger, debug *debugflag.Registry) *CoreMap {
	if log == nil {
		log = slog.Default()
	}
	return &CoreMap{
		frames: make([]frameEntry, numFrames),
		free:   fs.NewBitmap(numFrames, log),
		mem:    mem,
		log:    log,
		debug:  debug,
	}
}

// MainMemory returns the physical memory this core map allocates frames
// from, for callers (AddressSpace) that need to read or write a frame's
// bytes once MapPhysPage returns it.
func (cm *CoreMap) MainMemory() *MainMemory { return cm.mem }

// MapPhysPage returns a free physical frame, or if none remain, evicts one
// via Enhanced Second-Chance replacement and returns the freed frame.
// Either way the frame is registered to (owner, v) before returning.
//
// The eviction path deliberately does not hold cm.mu across the victim's
// SwapOut: SwapOut can reach fs.SynchDisk.WriteSector, which can suspend
// the calling thread waiting on the disk (see DESIGN.md). cm.mu is a raw
// mutex guarding only in-memory bookkeeping, never a cooperative lock, so
// holding it across a suspension point would block every other thread's
// page fault at the Go-runtime level for as long as the swap write takes.
func (cm *CoreMap) MapPhysPage(owner *AddressSpace, v int) (int, error) {
	cm.mu.Lock()
	p, ok := cm.free.Find()
	if ok {
		cm.frames[p] = frameEntry{owner: owner, vpn: v}
		cm.mu.Unlock()
		if cm.debug.Enabled(debugflag.VirtualMem) {
			cm.log.Debug("frame mapped", "frame", p, "vpn", v)
		}
		return p, nil
	}
	cm.mu.Unlock()

	p, err := cm.evictAndTake(owner, v)
	if err != nil {
		return 0, err
	}
	if cm.debug.Enabled(debugflag.VirtualMem) {
		cm.log.Debug("frame mapped", "frame", p, "vpn", v)
	}
	return p, nil
}

// evictAndTake picks a victim frame under cm.mu, reserves it (so no other
// caller can pick the same frame while it's mid-eviction), then releases
// cm.mu for the victim's SwapOut and re-acquires it only to commit the new
// owner into frames[p].
func (cm *CoreMap) evictAndTake(owner *AddressSpace, v int) (int, error) {
	cm.mu.Lock()
	idx, victim, err := cm.evict()
	if err != nil {
		cm.mu.Unlock()
		return 0, err
	}
	cm.frames[idx] = frameEntry{}
	cm.mu.Unlock()

	if err := victim.owner.SwapOut(victim.vpn); err != nil {
		return 0, fmt.Errorf("vm: CoreMap: evicting frame %d: %w", idx, err)
	}

	cm.mu.Lock()
	cm.frames[idx] = frameEntry{owner: owner, vpn: v}
	cm.mu.Unlock()
	return idx, nil
}

// evict runs up to four clock-sweep passes over every frame, starting
// from the victim cursor, looking for increasingly permissive (use,dirty)
// criteria (§4.9), and returns the chosen frame's index and its current
// occupant without disturbing frames[idx] itself. Callers must hold cm.mu
// and must evict the returned occupant (SwapOut) before reusing the frame.
func (cm *CoreMap) evict() (int, frameEntry, error) {
	n := len(cm.frames)
	for pass := 1; pass <= 4; pass++ {
		for i := 0; i < n; i++ {
			idx := (cm.victim + i) % n
			f := cm.frames[idx]
			if f.owner == nil {
				continue
			}
			use, dirty := f.owner.PageUseDirty(f.vpn)
			switch pass {
			case 1:
				if !use && !dirty {
					return cm.takeVictim(idx)
				}
			case 2:
				wasUse := use
				f.owner.ClearPageUse(f.vpn)
				if !wasUse {
					return cm.takeVictim(idx)
				}
			case 3:
				if !dirty {
					return cm.takeVictim(idx)
				}
			case 4:
				return cm.takeVictim(idx)
			}
		}
	}
	return 0, frameEntry{}, fmt.Errorf("vm: CoreMap: no frame available to evict")
}

// takeVictim records frame idx as the chosen victim, advances the victim
// cursor past it, and returns its current occupant. It does not call
// SwapOut or touch frames[idx] -- that's the caller's job once cm.mu is
// released. Callers must hold cm.mu.
func (cm *CoreMap) takeVictim(idx int) (int, frameEntry, error) {
	f := cm.frames[idx]
	if cm.debug.Enabled(debugflag.VirtualMem) {
		cm.log.Debug("evicting frame", "frame", idx, "vpn", f.vpn)
	}
	cm.victim = (idx + 1) % len(cm.frames)
	return idx, f, nil
}

// FreeAll releases every frame owned by owner, for use when a process
// exits.
func (cm *CoreMap) FreeAll(owner *AddressSpace) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for i, f := range cm.frames {
		if f.owner == owner {
			cm.frames[i] = frameEntry{}
			cm.free.Clear(i)
		}
	}
}

// NumFree reports how many frames are currently unowned.
func (cm *CoreMap) NumFree() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.free.NumFree()
}

// Owner reports which address space and virtual page, if any, physical
// frame p currently backs. Used by tests checking the core-map invariant.
func (cm *CoreMap) Owner(p int) (*AddressSpace, int, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	f := cm.frames[p]
	return f.owner, f.vpn, f.owner != nil
}
