// Command nachos boots the kernel: it wires together the scheduler, the
// simulated disk and console, the file system, and the syscall dispatcher,
// the way the teacher's cmd/kernel wires together a module's config,
// logger, and servers, then optionally execs a single initial program and
// waits until a user program halts the machine or SIGINT/SIGTERM arrives.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/losgopheros/nachos-go/fs"
	kconfig "github.com/losgopheros/nachos-go/internal/config"
	"github.com/losgopheros/nachos-go/internal/debugflag"
	"github.com/losgopheros/nachos-go/internal/klog"
	"github.com/losgopheros/nachos-go/machine"
	ksyscall "github.com/losgopheros/nachos-go/syscall"
	"github.com/losgopheros/nachos-go/thread"
	"github.com/losgopheros/nachos-go/vm"
)

func main() {
	cfg := kconfig.Default()
	if len(os.Args) >= 2 {
		loaded, err := kconfig.Load[kconfig.KernelConfig](os.Args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "nachos: %v, booting with defaults\n", err)
		} else {
			cfg = loaded
		}
	}

	log := klog.New(klog.ParseLevel(cfg.LogLevel), "kernel")
	debug := debugflag.New(cfg.DebugFlags)
	log.Info("booting", "config", cfg)

	ints := machine.NewInterrupts()
	sched := thread.NewScheduler(ints, klog.New(klog.ParseLevel(cfg.LogLevel), "scheduler"), debug)
	boot := sched.Boot("boot")

	disk := machine.NewFakeDisk(cfg.NumPhysPages*8, cfg.SectorSize)
	sdisk := fs.NewSynchDisk(disk, cfg.DiskCacheSize, cfg.DiskCacheWriteQueueBound, sched, ints, klog.New(klog.ParseLevel(cfg.LogLevel), "disk"), debug)
	fsys, err := fs.NewFileSystem(sdisk, cfg.NumPhysPages*8, true, sched, ints, klog.New(klog.ParseLevel(cfg.LogLevel), "fs"), debug)
	if err != nil {
		log.Error("formatting file system", "error", err)
		os.Exit(1)
	}

	mem := vm.NewMainMemory(cfg.NumPhysPages, cfg.PageSize)
	coremap := vm.NewCoreMap(cfg.NumPhysPages, mem, klog.New(klog.ParseLevel(cfg.LogLevel), "vm"), debug)

	fconsole := machine.NewFakeConsole()
	console := ksyscall.NewSynchConsole(fconsole, sched, ints, klog.New(klog.ParseLevel(cfg.LogLevel), "console"), debug)

	halted := make(chan struct{})
	haltOnce := make(chan struct{}, 1)
	haltFn := func() {
		select {
		case haltOnce <- struct{}{}:
			close(halted)
		default:
		}
	}

	loader := hostFileLoader{}
	disp := ksyscall.NewDispatcher(sched, fsys, coremap, console, loader, nil, cfg.PageSize, cfg.TLBSize, haltFn,
		klog.New(klog.ParseLevel(cfg.LogLevel), "syscall"), debug)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	if len(os.Args) >= 3 {
		program := os.Args[2]
		log.Info("running initial program", "path", program)
		pid := execInitial(sched, boot, disp, program)
		if pid < 0 {
			log.Error("initial program failed to load", "path", program)
			os.Exit(1)
		}
		log.Info("kernel ready", "pid", pid)
	} else {
		log.Info("kernel ready, no initial program given")
	}

	select {
	case <-halted:
		log.Info("halted by user program")
	case <-sigc:
		log.Info("interrupted")
	}
}

// execInitial forks a dedicated thread, and keeps yielding the boot thread
// to it until it has driven one suspension-point-heavy syscall -- building an AddressSpace touches
// the file system -- the same pattern vm's and fs's own tests use to give
// package-level operations a real dispatched thread to run on.
func execInitial(sched *thread.Scheduler, boot *thread.Thread, disp *ksyscall.Dispatcher, program string) int64 {
	done := make(chan int64, 1)
	sched.Fork("exec-initial", func(any) {
		pid := disp.ExecPath(program)
		done <- pid
	}, nil)
	for {
		select {
		case pid := <-done:
			return pid
		default:
			boot.Yield()
		}
	}
}

// hostFileLoader reads a program off the host file system and treats its
// entire contents as a flat code segment. A real NOFF object-format
// decoder is out of scope here (§1): this is enough to let Exec hand
// vm.NewAddressSpace something real to demand-load from.
type hostFileLoader struct{}

func (l hostFileLoader) Load(path string) (machine.Executable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nachos: loading %s: %w", path, err)
	}
	exe := &machine.FakeExecutable{Image: data}
	exe.Code.Addr = 0
	exe.Code.Size = uint32(len(data))
	return exe, nil
}
