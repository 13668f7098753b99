// Package syscall translates the kernel's MIPS-style system-call ABI
// (identifier in r2, arguments in r4..r7, return in r2) into calls against
// thread, fs, and vm, given an injected machine.Simulator (§4.16).
package syscall

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/losgopheros/nachos-go/fs"
	"github.com/losgopheros/nachos-go/internal/debugflag"
	"github.com/losgopheros/nachos-go/internal/kassert"
	"github.com/losgopheros/nachos-go/machine"
	"github.com/losgopheros/nachos-go/thread"
	"github.com/losgopheros/nachos-go/vm"
)

// ID names a recognized system call (§6, ABI). Numbering is this kernel's
// own choice -- no concrete syscall.h was available to ground exact values
// against, so calls are simply numbered in ABI-declaration order.
type ID uint32

const (
	Halt ID = iota
	Exit
	Exec
	Join
	Create
	Remove
	Open
	Close
	Read
	Write
	Ps
)

const maxPathLen = 256

// Loader resolves a path to a decoded executable for Exec. A concrete NOFF
// decoder is out of scope (§1); callers inject whatever Loader their test
// or cmd/nachos wiring needs.
type Loader interface {
	Load(path string) (machine.Executable, error)
}

// Dispatcher is the kernel's syscall entry point: one per running kernel,
// shared by every user thread's trap into HandleSyscall.
type Dispatcher struct {
	sched   *thread.Scheduler
	fsys    *fs.FileSystem
	coremap *vm.CoreMap
	console *SynchConsole
	loader  Loader
	runUser func(t *thread.Thread)

	pageSize int
	tlbSize  int

	haltFn func()

	pidMu sync.Mutex
	pids  map[int64]*thread.Thread

	log   *slog.Logger
	debug *debugflag.Registry
}

// NewDispatcher builds a syscall dispatcher. haltFn is invoked when a user
// program calls Halt; pass nil for a no-op (tests that never call Halt).
// runUser stands in for actually decoding and running the exec'd program's
// instructions, out of scope here (§1: the MIPS simulator and user-program
// test binaries are both external collaborators); pass nil for a thread
// that runs to completion immediately, or a test's own Go function in its
// place.
func NewDispatcher(sched *thread.Scheduler, fsys *fs.FileSystem, coremap *vm.CoreMap, console *SynchConsole, loader Loader, runUser func(t *thread.Thread), pageSize, tlbSize int, haltFn func(), log *slog.Logger, debug *debugflag.Registry) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if haltFn == nil {
		haltFn = func() {}
	}
	if runUser == nil {
		runUser = func(*thread.Thread) {}
	}
	return &Dispatcher{
		sched: sched, fsys: fsys, coremap: coremap, console: console, loader: loader, runUser: runUser,
		pageSize: pageSize, tlbSize: tlbSize, haltFn: haltFn, pids: make(map[int64]*thread.Thread),
		log: log, debug: debug,
	}
}

// currentProcess returns the calling thread's syscall-layer state, fatal if
// a non-user thread somehow traps here.
func (d *Dispatcher) currentProcess() *Process {
	t := d.sched.Current()
	proc, ok := t.UserContext.(*Process)
	kassert.Require(d.log, ok, "syscall: thread %s has no process context", t.Name)
	return proc
}

// HandleSyscall reads the call id and arguments out of sim's registers,
// dispatches to the matching handler, writes the return value back to r2,
// and advances the program counter past the syscall instruction -- the
// trap handler's full responsibility once the simulator has already
// decoded a SyscallException and called here.
func (d *Dispatcher) HandleSyscall(sim machine.Simulator) {
	id := ID(sim.ReadRegister(machine.R2))
	a0 := sim.ReadRegister(machine.R4)
	a1 := sim.ReadRegister(machine.R5)
	a2 := sim.ReadRegister(machine.R6)

	if d.debug.Enabled(debugflag.Exceptions) {
		d.log.Debug("syscall trap", "id", id, "a0", a0, "a1", a1, "a2", a2)
	}

	var ret uint32
	switch id {
	case Halt:
		d.haltFn()
	case Exit:
		d.doExit(int(int32(a0)))
		return // the calling thread is gone; nothing left to advance
	case Exec:
		ret = uint32(d.doExec(sim, a0, a1))
	case Join:
		ret = uint32(d.doJoin(int64(a0)))
	case Create:
		ret = uint32(d.doCreate(sim, a0))
	case Remove:
		ret = uint32(d.doRemove(sim, a0))
	case Open:
		ret = uint32(d.doOpen(sim, a0))
	case Close:
		d.doClose(int(a0))
	case Read:
		ret = uint32(d.doRead(sim, a0, int(a1), int(a2)))
	case Write:
		d.doWrite(sim, a0, int(a1), int(a2))
	case Ps:
		d.doPs()
	default:
		kassert.Require(d.log, false, "syscall: unrecognized call id %d", id)
	}

	sim.WriteRegister(machine.R2, ret)
	d.advancePC(sim)
}

func (d *Dispatcher) advancePC(sim machine.Simulator) {
	pc := sim.ReadRegister(machine.NextPCReg)
	sim.WriteRegister(machine.PCReg, pc)
	sim.WriteRegister(machine.NextPCReg, pc+4)
}

// HandlePageFault resolves virtual page v for proc, the kernel's response
// to a PageFaultException (§7). Out-of-range v (ErrBusFault) aborts the
// process rather than propagating.
func (d *Dispatcher) HandlePageFault(t *thread.Thread, v int) {
	proc, ok := t.UserContext.(*Process)
	kassert.Require(d.log, ok, "syscall: page fault on thread %s with no process context", t.Name)
	if _, err := proc.space.LoadTLB(v); err != nil {
		d.abort(t, fmt.Sprintf("page fault: %v", err))
	}
}

// abort is the default handler for every user-mode fault (§7): it tears
// down the offending process's address space and exits it with a distinct
// failure status, never reaching back into the faulting instruction.
func (d *Dispatcher) abort(t *thread.Thread, reason string) {
	d.log.Error("aborting process", "thread", t.Name, "reason", reason)
	if proc, ok := t.UserContext.(*Process); ok && proc.space != nil {
		_ = proc.space.Close()
	}
	t.Exit(-1)
}
