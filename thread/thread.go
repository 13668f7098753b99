package thread

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/losgopheros/nachos-go/internal/debugflag"
	"github.com/losgopheros/nachos-go/internal/kassert"
	"github.com/losgopheros/nachos-go/machine"
)

// Status is a thread's execution state.
type Status int

const (
	JustCreated Status = iota
	Ready
	Running
	Blocked
)

func (s Status) String() string {
	switch s {
	case JustCreated:
		return "just-created"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Switchable is the optional per-process machine state a Thread carries:
// an address space that must flush and reload TLB entries across a
// context switch. Kernel-only threads leave this nil.
type Switchable interface {
	SaveState()
	RestoreState()
}

var nextID atomic.Int64

// Thread is the kernel's thread control block. Since Go gives us no
// user-level stack-switch primitive, each Thread owns a dedicated goroutine
// parked on its own dispatch channel; the scheduler "context switches" by
// handing that channel a token, the way SWITCH hands control to a saved
// program counter. See DESIGN.md for the full writeup.
type Thread struct {
	ID   int64
	Name string

	status Status
	nice   int
	prio   int

	sched       *Scheduler
	interrupts  *machine.Interrupts
	log         *slog.Logger
	debug       *debugflag.Registry

	dispatch chan struct{}

	joinMu     sync.Mutex
	joinable   bool
	joined     bool
	finished   bool
	exitStatus int
	joinWaiter *Thread

	// Space is the thread's address space, if it runs user code.
	Space Switchable

	// UserContext carries syscall-layer process state (open-file
	// descriptors, current directory) that the thread package itself has
	// no business knowing the shape of. nil for kernel-only threads.
	UserContext any
}

// newThread allocates a TCB with default priority (nice=0) and a fresh
// dispatch channel. It does not spawn a goroutine or enter the ready set;
// callers use Fork (for a runnable thread) or the scheduler's Boot (for
// the thread representing the calling goroutine itself).
func newThread(name string, sched *Scheduler, interrupts *machine.Interrupts, log *slog.Logger, debug *debugflag.Registry) *Thread {
	t := &Thread{
		ID:         nextID.Add(1),
		Name:       name,
		status:     JustCreated,
		nice:       0,
		prio:       120,
		sched:      sched,
		interrupts: interrupts,
		log:        log,
		debug:      debug,
		dispatch:   make(chan struct{}),
	}
	return t
}

func (t *Thread) Status() Status  { return t.status }
func (t *Thread) Priority() int   { return t.prio }
func (t *Thread) NiceValue() int  { return t.nice }

func (t *Thread) String() string {
	return fmt.Sprintf("Thread(%d,%s,prio=%d,%s)", t.ID, t.Name, t.prio, t.status)
}

func (t *Thread) tracef(format string, args ...any) {
	if t.debug.Enabled(debugflag.Thread) {
		t.log.Debug(fmt.Sprintf(format, args...), "thread", t.Name)
	}
}

// Nice sets this thread's niceness, which determines its priority as
// 120 + v. v must be in [-20, 20).
func (t *Thread) Nice(v int) {
	kassert.Require(t.log, v >= -20 && v < 20, "nice value %d out of range", v)
	t.sched.renice(t, v)
}

// Fork allocates a goroutine for fn, parked until the scheduler dispatches
// it, then enqueues the new thread on the ready set. fn is run with
// interrupts enabled, matching the trampoline every forked thread starts
// through on real Nachos.
func (t *Scheduler) Fork(name string, fn func(arg any), arg any) *Thread {
	nt := newThread(name, t, t.interrupts, t.log, t.debug)
	nt.tracef("forked")
	t.register(nt)

	go func() {
		if _, ok := <-nt.dispatch; !ok {
			return
		}
		fn(arg)
		nt.finish()
	}()

	old := t.interrupts.SetLevel(machine.LevelOff)
	t.ReadyToRun(nt)
	t.interrupts.SetLevel(old)
	return nt
}

// Yield voluntarily gives up the processor. If another thread is ready, it
// runs next and the caller re-enters the ready set at its current
// priority; if the ready set is empty, Yield returns immediately without
// switching.
func (t *Thread) Yield() {
	old := t.interrupts.SetLevel(machine.LevelOff)
	next, ok := t.sched.FindNextToRun()
	if ok {
		t.tracef("yields to %s", next.Name)
		t.sched.ReadyToRun(t)
		t.sched.Run(next)
	}
	t.interrupts.SetLevel(old)
}

// Sleep blocks the current thread. Callers must already have interrupts
// disabled and must have arranged for some other code path to re-enqueue
// this thread (Sleep itself never re-adds it to the ready set).
func (t *Thread) Sleep() {
	kassert.Require(t.log, t.interrupts.Disabled(), "Sleep: interrupts must be disabled")
	t.status = Blocked
	t.tracef("sleeps")
	for {
		next, ok := t.sched.FindNextToRun()
		if ok {
			if next == t {
				// Readied again (by an interrupt handler) before any other
				// thread: t is still current, so it simply resumes.
				t.sched.mu.Lock()
				t.status = Running
				t.sched.mu.Unlock()
				return
			}
			t.sched.Run(next)
			return
		}
		t.sched.idle()
	}
}

// finish runs when fn returns: it records exit status 0 (if anyone will
// Join), retires the thread's bookkeeping, and hands the processor to
// whoever is next ready, never returning -- the goroutine backing this
// thread simply ends here, so there is no stack left to free, unlike the
// original which must wait for the next context switch to reclaim it.
func (t *Thread) finish() {
	old := t.interrupts.SetLevel(machine.LevelOff)
	t.tracef("finishes")
	t.status = Blocked
	t.completeWith(0)
	t.sched.retire(t)
	next, ok := t.sched.FindNextToRun()
	for !ok {
		t.sched.idle()
		next, ok = t.sched.FindNextToRun()
	}
	t.sched.dispatchOnly(next)
	t.interrupts.SetLevel(old)
}

// Exit is the syscall-layer equivalent of returning from fn: it records an
// explicit status code for Join before finishing.
func (t *Thread) Exit(status int) {
	old := t.interrupts.SetLevel(machine.LevelOff)
	t.completeWith(status)
	t.interrupts.SetLevel(old)
	t.finish()
}

// completeWith records the exit status and wakes a waiting Join, if any.
// A thread that has already recorded a status (finish after Exit already
// did) leaves it untouched.
func (t *Thread) completeWith(status int) {
	t.joinMu.Lock()
	if t.finished {
		t.joinMu.Unlock()
		return
	}
	t.finished = true
	t.exitStatus = status
	waiter := t.joinWaiter
	t.joinMu.Unlock()
	if waiter != nil {
		t.sched.ReadyToRun(waiter)
	}
}

// Joinable marks this thread as one a future Join may wait on. Must be
// called before the thread can finish, typically by the forking thread
// right after Fork returns.
func (t *Thread) Joinable() {
	t.joinMu.Lock()
	t.joinable = true
	t.joinMu.Unlock()
}

// Join blocks until the thread finishes or exits, returning its status.
// Calling Join more than once on the same thread is a fatal invariant.
//
// Join suspends through Sleep rather than a raw channel receive, so the
// calling thread properly yields the processor to the scheduler instead of
// blocking its goroutine outside the cooperative dispatch model.
func (t *Thread) Join() int {
	kassert.Require(t.log, t.joinable, "Join: thread %s is not joinable", t.Name)
	old := t.interrupts.SetLevel(machine.LevelOff)
	t.joinMu.Lock()
	kassert.Require(t.log, !t.joined, "Join: thread %s already joined", t.Name)
	t.joined = true
	if !t.finished {
		me := t.sched.Current()
		t.joinWaiter = me
		t.joinMu.Unlock()
		me.Sleep()
	} else {
		t.joinMu.Unlock()
	}
	status := t.exitStatus
	t.interrupts.SetLevel(old)
	return status
}
