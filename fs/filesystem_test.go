package fs

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/losgopheros/nachos-go/internal/debugflag"
	"github.com/losgopheros/nachos-go/internal/klog"
	"github.com/losgopheros/nachos-go/machine"
	"github.com/losgopheros/nachos-go/thread"
)

const testSectorSize = 128
const testNumSectors = 400

func newTestFileSystem(t *testing.T) (*FileSystem, *thread.Scheduler, *thread.Thread) {
	t.Helper()
	ints := machine.NewInterrupts()
	sched := thread.NewScheduler(ints, klog.Discard(), debugflag.New(""))
	boot := sched.Boot("boot")
	disk := machine.NewFakeDisk(testNumSectors, testSectorSize)
	sdisk := NewSynchDisk(disk, 8, 4, sched, ints, klog.Discard(), debugflag.New(""))
	fsys, err := NewFileSystem(sdisk, testNumSectors, true, sched, ints, klog.Discard(), debugflag.New(""))
	if err != nil {
		t.Fatalf("NewFileSystem: %v", err)
	}
	return fsys, sched, boot
}

// run executes fn on a freshly forked kernel thread, since every fs
// operation is a suspension point and must run on a real dispatched thread
// rather than the bare test goroutine. The boot thread keeps yielding until
// fn completes, so fn is redispatched whenever a disk completion readies it.
func run(t *testing.T, sched *thread.Scheduler, boot *thread.Thread, fn func()) {
	t.Helper()
	done := make(chan struct{})
	sched.Fork("fs-op", func(any) {
		fn()
		close(done)
	}, nil)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("fs operation never completed")
		default:
			boot.Yield()
		}
	}
}

func TestCreateOpenWriteReadClose(t *testing.T) {
	fsys, sched, boot := newTestFileSystem(t)

	var readBack []byte
	var opErr error
	run(t, sched, boot, func() {
		if err := fsys.Create("/hello.txt", 0, 0); err != nil {
			opErr = err
			return
		}
		sf, err := fsys.Open("/hello.txt", 0)
		if err != nil {
			opErr = err
			return
		}
		defer fsys.Close(sf)
		payload := []byte("hello, nachos")
		if err := fsys.WriteAt(sf, 0, payload); err != nil {
			opErr = err
			return
		}
		readBack, opErr = fsys.ReadAt(sf, 0, len(payload))
	})
	if opErr != nil {
		t.Fatalf("unexpected error: %v", opErr)
	}
	if string(readBack) != "hello, nachos" {
		t.Fatalf("read back %q", readBack)
	}
}

func TestRemoveNotFoundAfterDelete(t *testing.T) {
	fsys, sched, boot := newTestFileSystem(t)

	var err1, err2 error
	run(t, sched, boot, func() {
		if err := fsys.Create("/gone.txt", 0, 0); err != nil {
			err1 = err
			return
		}
		err1 = fsys.Remove("/gone.txt", 0)
		_, err2 = fsys.Open("/gone.txt", 0)
	})
	if err1 != nil {
		t.Fatalf("Remove failed: %v", err1)
	}
	if err2 == nil {
		t.Fatal("expected Open of removed file to fail")
	}
}

func TestDeferredRemoval(t *testing.T) {
	fsys, sched, boot := newTestFileSystem(t)

	var sfA *SharedFile
	var afterRemoveOpenErr, opErr error
	var dataAfterClose string
	run(t, sched, boot, func() {
		if err := fsys.Create("/f", 5, 0); err != nil {
			opErr = fmt.Errorf("Create: %w", err)
			return
		}
		var err error
		sfA, err = fsys.Open("/f", 0)
		if err != nil {
			opErr = fmt.Errorf("Open by A: %w", err)
			return
		}
		if err := fsys.WriteAt(sfA, 0, []byte("abcde")); err != nil {
			opErr = fmt.Errorf("WriteAt: %w", err)
			return
		}

		if err := fsys.Remove("/f", 0); err != nil {
			opErr = fmt.Errorf("Remove by B: %w", err)
			return
		}

		_, afterRemoveOpenErr = fsys.Open("/f", 0)

		got, err := fsys.ReadAt(sfA, 0, 5)
		if err != nil {
			opErr = fmt.Errorf("ReadAt by A after remove: %w", err)
			return
		}
		dataAfterClose = string(got)

		if err := fsys.Close(sfA); err != nil {
			opErr = fmt.Errorf("Close by A: %w", err)
			return
		}
	})

	if opErr != nil {
		t.Fatalf("unexpected error: %v", opErr)
	}
	if afterRemoveOpenErr == nil {
		t.Fatal("expected Open('/f') by C to fail after deferred remove")
	}
	if dataAfterClose != "abcde" {
		t.Fatalf("A's handle saw %q after B's Remove, want abcde", dataAfterClose)
	}

	var checkOK bool
	var checkErr error
	run(t, sched, boot, func() {
		checkOK, checkErr = fsys.Check()
	})
	if checkErr != nil {
		t.Fatalf("Check: %v", checkErr)
	}
	if !checkOK {
		t.Fatal("Check reported an inconsistent free-bitmap after deferred removal")
	}
}

// TestCreateFailsWhenDirectoryFull fills the root directory's fixed-size
// entry table (defaultDirEntries) and checks that the next Create reports
// "directory full" and reclaims the inode sector it provisionally
// allocated, rather than silently growing the directory past its original
// capacity.
func TestCreateFailsWhenDirectoryFull(t *testing.T) {
	fsys, sched, boot := newTestFileSystem(t)

	var before int
	run(t, sched, boot, func() { before = fsys.bitmap.NumFree() })

	for i := 0; i < defaultDirEntries; i++ {
		name := fmt.Sprintf("/f-%d", i)
		var err error
		run(t, sched, boot, func() { err = fsys.Create(name, 0, 0) })
		if err != nil {
			t.Fatalf("Create(%s) #%d: %v", name, i, err)
		}
	}

	var createErr error
	var after int
	run(t, sched, boot, func() {
		createErr = fsys.Create("/overflow", 0, 0)
		after = fsys.bitmap.NumFree()
	})
	if createErr == nil {
		t.Fatal("Create on a full directory succeeded, want an error")
	}
	if before-after != defaultDirEntries {
		t.Fatalf("free sectors dropped by %d, want %d (overflow's inode sector must be reclaimed)", before-after, defaultDirEntries)
	}
}

func TestMkdirRmdirLeavesBitmapUnchanged(t *testing.T) {
	fsys, sched, boot := newTestFileSystem(t)

	var before, after int
	var opErr error
	run(t, sched, boot, func() {
		before = fsys.bitmap.NumFree()
		if err := fsys.Mkdir("/sub", 0); err != nil {
			opErr = fmt.Errorf("Mkdir: %w", err)
			return
		}
		if err := fsys.Rmdir("/sub", 0); err != nil {
			opErr = fmt.Errorf("Rmdir: %w", err)
			return
		}
		after = fsys.bitmap.NumFree()
	})
	if opErr != nil {
		t.Fatalf("unexpected error: %v", opErr)
	}
	if before != after {
		t.Fatalf("free sectors before=%d after=%d, want equal", before, after)
	}
}

// TestConcurrentFileCreation exercises scenario 5: two threads each create
// and remove 10 files with disjoint names; all operations succeed and the
// root directory ends up empty with the bitmap restored.
func TestConcurrentFileCreation(t *testing.T) {
	fsys, sched, boot := newTestFileSystem(t)

	var before int
	run(t, sched, boot, func() { before = fsys.bitmap.NumFree() })

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	worker := func(prefix string) {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			name := fmt.Sprintf("/%s-%d", prefix, i)
			if err := fsys.Create(name, 0, 0); err != nil {
				errs <- err
				return
			}
		}
		for i := 0; i < 10; i++ {
			name := fmt.Sprintf("/%s-%d", prefix, i)
			if err := fsys.Remove(name, 0); err != nil {
				errs <- err
				return
			}
		}
	}

	wg.Add(2)
	sched.Fork("worker-a", func(any) { worker("a") }, nil)
	sched.Fork("worker-b", func(any) { worker("b") }, nil)
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	deadline := time.After(3 * time.Second)
	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		case <-deadline:
			t.Fatal("concurrent creation/removal never completed")
		default:
			boot.Yield()
		}
	}
	close(errs)
	for err := range errs {
		t.Fatalf("worker error: %v", err)
	}

	var listing []string
	var after int
	var listErr error
	run(t, sched, boot, func() {
		var err error
		listing, err = fsys.List("/", 0)
		if err != nil {
			listErr = fmt.Errorf("List: %w", err)
			return
		}
		after = fsys.bitmap.NumFree()
	})
	if listErr != nil {
		t.Fatalf("unexpected error: %v", listErr)
	}
	if len(listing) != 0 {
		t.Fatalf("root directory not empty after cleanup: %v", listing)
	}
	if before != after {
		t.Fatalf("free sectors before=%d after=%d, want equal", before, after)
	}
}

