package vm

import (
	"testing"

	"github.com/losgopheros/nachos-go/internal/debugflag"
	"github.com/losgopheros/nachos-go/internal/klog"
)

func TestSwapWriteAndPullRoundTrip(t *testing.T) {
	env := newTestEnv(t, 4)

	var sw *Swap
	var err error
	var readBack byte
	run(t, env, func() {
		sw, err = NewSwap(env.fsys, 99, testPageSize, 3, klog.Discard(), debugflag.New(""))
		if err != nil {
			return
		}

		p, e := env.coremap.MapPhysPage(nil, 0)
		if e != nil {
			err = e
			return
		}
		env.mem.WriteFrame(p, bytes(testPageSize, 0x7)) // distinct from zero-fill
		if err = sw.WriteSwap(2, env.mem, p); err != nil {
			return
		}
		env.mem.ZeroFrame(p)

		if err = sw.PullSwap(2, env.mem, p); err != nil {
			return
		}
		readBack = env.mem.ReadFrame(p)[0]

		err = sw.Close()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if readBack != 0x7 {
		t.Fatalf("page pulled back from swap reads %#x, want 0x7", readBack)
	}
}

func TestSwapCloseRemovesFile(t *testing.T) {
	env := newTestEnv(t, 4)

	var sw *Swap
	var err error
	var reopenErr error
	run(t, env, func() {
		sw, err = NewSwap(env.fsys, 100, testPageSize, 1, klog.Discard(), debugflag.New(""))
		if err != nil {
			return
		}
		if err = sw.Close(); err != nil {
			return
		}
		_, reopenErr = env.fsys.Open("/SWAP.100", 0)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reopenErr == nil {
		t.Fatal("expected swap file to be gone after Close, but it still opened")
	}
}
