// Package synch implements the kernel's synchronization primitives --
// counting semaphores, locks with priority inheritance, Mesa-style
// condition variables, and synchronous rendezvous channels -- all built
// above thread.Thread's suspension points.
package synch

import (
	"log/slog"
	"sync"

	"github.com/losgopheros/nachos-go/internal/debugflag"
	"github.com/losgopheros/nachos-go/machine"
	"github.com/losgopheros/nachos-go/thread"
)

// Semaphore is a non-negative counter with a FIFO queue of threads blocked
// waiting for it to become positive.
type Semaphore struct {
	mu    sync.Mutex
	value int
	queue []*thread.Thread

	sched      *thread.Scheduler
	interrupts *machine.Interrupts
	log        *slog.Logger
	debug      *debugflag.Registry
	name       string
}

// NewSemaphore builds a semaphore with the given initial value.
func NewSemaphore(name string, value int, sched *thread.Scheduler, interrupts *machine.Interrupts, log *slog.Logger, debug *debugflag.Registry) *Semaphore {
	if log == nil {
		log = slog.Default()
	}
	return &Semaphore{value: value, sched: sched, interrupts: interrupts, log: log, debug: debug, name: name}
}

// P waits for the semaphore to become positive, then decrements it.
func (s *Semaphore) P() {
	old := s.interrupts.SetLevel(machine.LevelOff)
	s.mu.Lock()
	for s.value == 0 {
		me := s.sched.Current()
		s.queue = append(s.queue, me)
		s.mu.Unlock()
		me.Sleep()
		s.mu.Lock()
	}
	s.value--
	s.tracef("P")
	s.mu.Unlock()
	s.interrupts.SetLevel(old)
}

// V wakes the longest-waiting blocked thread, if any, and increments the
// semaphore.
func (s *Semaphore) V() {
	old := s.interrupts.SetLevel(machine.LevelOff)
	s.mu.Lock()
	var waiter *thread.Thread
	if len(s.queue) > 0 {
		waiter = s.queue[0]
		s.queue = s.queue[1:]
	}
	s.value++
	s.tracef("V")
	s.mu.Unlock()
	if waiter != nil {
		s.sched.ReadyToRun(waiter)
	}
	s.interrupts.SetLevel(old)
}

func (s *Semaphore) tracef(action string) {
	if s.debug.Enabled(debugflag.Sync) {
		s.log.Debug("semaphore", "name", s.name, "action", action, "value", s.value)
	}
}
