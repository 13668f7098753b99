package synch

import (
	"log/slog"
	"sync"

	"github.com/losgopheros/nachos-go/internal/debugflag"
	"github.com/losgopheros/nachos-go/internal/kassert"
	"github.com/losgopheros/nachos-go/machine"
	"github.com/losgopheros/nachos-go/thread"
)

// Lock is mutual exclusion built over a binary Semaphore. It tracks its
// holder and, optionally, donates priority to the holder when a
// higher-priority thread is waiting to acquire it.
//
// Single-donation model: only the most recent boost is remembered on
// savedNice/savedPrio. Nested inheritance chains across more than one lock
// are not propagated, matching threads/lock.cc.
type Lock struct {
	mu sync.Mutex

	sem    *Semaphore
	holder *thread.Thread

	inherited bool
	savedNice int
	savedPrio int

	sched      *thread.Scheduler
	interrupts *machine.Interrupts
	log        *slog.Logger
	debug      *debugflag.Registry
	name       string
}

// NewLock builds an unheld lock.
func NewLock(name string, sched *thread.Scheduler, interrupts *machine.Interrupts, log *slog.Logger, debug *debugflag.Registry) *Lock {
	if log == nil {
		log = slog.Default()
	}
	return &Lock{
		sem:        NewSemaphore(name+".sem", 1, sched, interrupts, log, debug),
		sched:      sched,
		interrupts: interrupts,
		log:        log,
		debug:      debug,
		name:       name,
	}
}

// Acquire blocks until the lock is free, then takes it. Re-acquiring a
// lock already held by the calling thread is a fatal invariant.
//
// When prioInherit is true and the current holder's priority is numerically
// greater (i.e. it is less urgent) than the caller's, the holder's priority is
// boosted to the caller's for as long as it holds the lock.
func (l *Lock) Acquire(prioInherit bool) {
	me := l.sched.Current()
	l.mu.Lock()
	kassert.Require(l.log, l.holder != me, "Acquire: %s already holds lock %s", me.Name, l.name)
	if prioInherit && l.holder != nil && l.holder.Priority() > me.Priority() {
		l.savedNice = l.holder.NiceValue()
		l.savedPrio = l.holder.Priority()
		l.inherited = true
		l.holder.Nice(me.NiceValue())
		if l.debug.Enabled(debugflag.Sync) {
			l.log.Debug("priority inheritance boost", "lock", l.name, "holder", l.holder.Name, "to", me.NiceValue())
		}
	}
	l.mu.Unlock()

	l.sem.P()

	l.mu.Lock()
	l.holder = me
	l.mu.Unlock()
}

// Release hands the lock to the next waiter (if any) and restores any
// priority this call's holding donated away. Releasing a lock the calling
// thread does not hold is a fatal invariant.
func (l *Lock) Release() {
	me := l.sched.Current()
	l.mu.Lock()
	kassert.Require(l.log, l.holder == me, "Release: %s does not hold lock %s", me.Name, l.name)
	if l.inherited {
		me.Nice(l.savedNice)
		l.inherited = false
	}
	l.holder = nil
	l.mu.Unlock()

	l.sem.V()
}

// IsHeldByCurrentThread reports whether the calling thread holds the lock.
func (l *Lock) IsHeldByCurrentThread() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder == l.sched.Current()
}
