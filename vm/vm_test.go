package vm

import (
	"testing"
	"time"

	"github.com/losgopheros/nachos-go/fs"
	"github.com/losgopheros/nachos-go/internal/debugflag"
	"github.com/losgopheros/nachos-go/internal/klog"
	"github.com/losgopheros/nachos-go/machine"
	"github.com/losgopheros/nachos-go/thread"
)

const (
	testSectorSize = 128
	testNumSectors = 400
	testPageSize   = 128
)

// testEnv bundles the scheduler, disk-backed file system, core map and
// main memory every vm test needs, since AddressSpace's swap file rides
// on a real fs.FileSystem and every fs operation is a suspension point
// that must run on a dispatched thread (see fs/filesystem_test.go's run).
type testEnv struct {
	sched   *thread.Scheduler
	boot    *thread.Thread
	fsys    *fs.FileSystem
	coremap *CoreMap
	mem     *MainMemory
}

func newTestEnv(t *testing.T, numFrames int) *testEnv {
	t.Helper()
	ints := machine.NewInterrupts()
	sched := thread.NewScheduler(ints, klog.Discard(), debugflag.New(""))
	boot := sched.Boot("boot")
	disk := machine.NewFakeDisk(testNumSectors, testSectorSize)
	sdisk := fs.NewSynchDisk(disk, 8, 4, sched, ints, klog.Discard(), debugflag.New(""))
	fsys, err := fs.NewFileSystem(sdisk, testNumSectors, true, sched, ints, klog.Discard(), debugflag.New(""))
	if err != nil {
		t.Fatalf("NewFileSystem: %v", err)
	}
	mem := NewMainMemory(numFrames, testPageSize)
	coremap := NewCoreMap(numFrames, mem, klog.Discard(), debugflag.New(""))
	return &testEnv{sched: sched, boot: boot, fsys: fsys, coremap: coremap, mem: mem}
}

// run executes fn on a freshly forked kernel thread, since every fs
// operation AddressSpace/Swap drive is a suspension point. boot keeps
// yielding until fn completes, so fn is redispatched whenever a disk
// completion readies it.
func run(t *testing.T, env *testEnv, fn func()) {
	t.Helper()
	done := make(chan struct{})
	env.sched.Fork("vm-op", func(any) {
		fn()
		close(done)
	}, nil)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("vm operation never completed")
		default:
			env.boot.Yield()
		}
	}
}

func newExecutable(codeSize, initDataSize, uninitDataSize uint32, codeByte, initByte byte) *machine.FakeExecutable {
	image := make([]byte, codeSize+initDataSize)
	for i := uint32(0); i < codeSize; i++ {
		image[i] = codeByte
	}
	for i := uint32(0); i < initDataSize; i++ {
		image[codeSize+i] = initByte
	}
	exe := &machine.FakeExecutable{Image: image}
	exe.Code.Addr = 0
	exe.Code.Size = codeSize
	exe.InitData.Addr = codeSize
	exe.InitData.Size = initDataSize
	exe.UninitData.Addr = codeSize + initDataSize
	exe.UninitData.Size = uninitDataSize
	return exe
}
