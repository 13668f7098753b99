package synch

import (
	"log/slog"
	"sync"

	"github.com/losgopheros/nachos-go/internal/debugflag"
	"github.com/losgopheros/nachos-go/internal/kassert"
	"github.com/losgopheros/nachos-go/machine"
	"github.com/losgopheros/nachos-go/thread"
)

// Condition is a Mesa-style condition variable associated with one Lock.
// Unlike a textbook CV backed by a single counting semaphore, each waiter
// gets its own one-shot semaphore, so Signal waking exactly one waiter is
// trivial and wakeups stay strictly order-preserving.
type Condition struct {
	mu      sync.Mutex
	lock    *Lock
	waiters []*Semaphore

	sched      *thread.Scheduler
	interrupts *machine.Interrupts
	log        *slog.Logger
	debug      *debugflag.Registry
	name       string
}

// NewCondition builds a condition variable associated with lock.
func NewCondition(name string, lock *Lock, sched *thread.Scheduler, interrupts *machine.Interrupts, log *slog.Logger, debug *debugflag.Registry) *Condition {
	if log == nil {
		log = slog.Default()
	}
	return &Condition{lock: lock, sched: sched, interrupts: interrupts, log: log, debug: debug, name: name}
}

// Wait requires the associated lock to be held by the caller. It
// atomically releases the lock, blocks until signalled, then reacquires
// the lock before returning. Callers must re-check their predicate after
// Wait returns, per Mesa semantics.
func (c *Condition) Wait() {
	kassert.Require(c.log, c.lock.IsHeldByCurrentThread(), "Wait: current thread does not hold condition %s's lock", c.name)

	waiter := NewSemaphore(c.name+".waiter", 0, c.sched, c.interrupts, c.log, c.debug)
	c.mu.Lock()
	c.waiters = append(c.waiters, waiter)
	c.mu.Unlock()

	c.lock.Release()
	waiter.P()
	c.lock.Acquire(false)
}

// Signal wakes exactly one waiter, if any. A no-op on an empty condition.
func (c *Condition) Signal() {
	kassert.Require(c.log, c.lock.IsHeldByCurrentThread(), "Signal: current thread does not hold condition %s's lock", c.name)
	c.mu.Lock()
	var waiter *Semaphore
	if len(c.waiters) > 0 {
		waiter = c.waiters[0]
		c.waiters = c.waiters[1:]
	}
	c.mu.Unlock()
	if waiter != nil {
		waiter.V()
	}
}

// Broadcast wakes every current waiter. A no-op on an empty condition.
func (c *Condition) Broadcast() {
	kassert.Require(c.log, c.lock.IsHeldByCurrentThread(), "Broadcast: current thread does not hold condition %s's lock", c.name)
	c.mu.Lock()
	woken := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, w := range woken {
		w.V()
	}
}
