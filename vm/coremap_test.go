package vm

import (
	"testing"

	"github.com/losgopheros/nachos-go/internal/debugflag"
	"github.com/losgopheros/nachos-go/internal/klog"
)

func TestMapPhysPageEvictsOwnPageWhenFramesExhausted(t *testing.T) {
	env := newTestEnv(t, 2)
	// codeSize 0 so every demand-loaded page is a plain writable zero page,
	// avoiding the read-only-code special case while testing self-eviction.
	exe := newExecutable(0, 0, 3*testPageSize, 0, 0)

	var as *AddressSpace
	var err error
	run(t, env, func() {
		as, err = NewAddressSpace(exe, env.coremap, env.fsys, 10, testPageSize, 4, klog.Discard(), debugflag.New(""))
		if err != nil {
			return
		}
		if _, err = as.TranslationFor(0); err != nil {
			return
		}
		if _, err = as.TranslationFor(1); err != nil {
			return
		}
		// Both physical frames are now owned by this same address space;
		// faulting in a third page must evict one of its own pages rather
		// than deadlock re-entering this address space's own mutex.
		if _, err = as.TranslationFor(2); err != nil {
			return
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	as.mu.Lock()
	p0Valid := as.entries[0].valid
	p1Valid := as.entries[1].valid
	p2Valid := as.entries[2].valid
	as.mu.Unlock()
	if p0Valid && p1Valid && p2Valid {
		t.Fatal("expected one of pages 0/1 to be evicted to make room for page 2")
	}
	if !p2Valid {
		t.Fatal("newly faulted page 2 must be valid")
	}

	owner2, vpn2, ok := env.coremap.Owner(env.entriesPhys(as, 2))
	if !ok || owner2 != as || vpn2 != 2 {
		t.Fatalf("core map does not record page 2's frame correctly: owner=%v vpn=%d ok=%v", owner2, vpn2, ok)
	}
}

func TestFreeAllReturnsFramesToPool(t *testing.T) {
	env := newTestEnv(t, 2)
	exe := newExecutable(0, 0, 2*testPageSize, 0, 0)

	var as *AddressSpace
	var err error
	run(t, env, func() {
		as, err = NewAddressSpace(exe, env.coremap, env.fsys, 11, testPageSize, 4, klog.Discard(), debugflag.New(""))
		if err != nil {
			return
		}
		if _, err = as.TranslationFor(0); err != nil {
			return
		}
		if _, err = as.TranslationFor(1); err != nil {
			return
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if free := env.coremap.NumFree(); free != 0 {
		t.Fatalf("expected both frames taken, NumFree() = %d", free)
	}

	var closeErr error
	run(t, env, func() { closeErr = as.Close() })
	if closeErr != nil {
		t.Fatalf("Close: %v", closeErr)
	}
	if free := env.coremap.NumFree(); free != 2 {
		t.Fatalf("NumFree() after Close = %d, want 2", free)
	}
}

// entriesPhys is a small test helper reaching into AddressSpace's page
// table to find the frame backing a vpn, since CoreMap.Owner takes a
// frame number rather than a (space, vpn) pair.
func (env *testEnv) entriesPhys(as *AddressSpace, v int) int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.entries[v].phys
}
