package thread

import (
	"log/slog"
	"sync"

	"github.com/losgopheros/nachos-go/internal/debugflag"
	"github.com/losgopheros/nachos-go/internal/kassert"
	"github.com/losgopheros/nachos-go/machine"
)

// Scheduler maintains the ready set, picks the next runnable thread, and
// performs the context switch between goroutines standing in for threads.
//
// Every other package in this kernel treats "disable interrupts" as the
// mutual-exclusion primitive the way the original does; here that is
// bookkeeping only (see machine.Interrupts). The mutex below is what
// actually makes ReadyToRun/FindNextToRun/Reschedule safe against the
// concurrent goroutines standing in for both kernel threads and simulated
// device interrupt handlers.
type Scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	ready   *PriorityArray[*Thread]
	current *Thread
	threads map[int64]*Thread

	interrupts *machine.Interrupts
	log        *slog.Logger
	debug      *debugflag.Registry
}

// NewScheduler builds an empty scheduler. interrupts is the bookkeeping
// flag every suspension point in this package disables/restores around.
func NewScheduler(interrupts *machine.Interrupts, log *slog.Logger, debug *debugflag.Registry) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		ready:      New[*Thread](log),
		threads:    make(map[int64]*Thread),
		interrupts: interrupts,
		log:        log,
		debug:      debug,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Boot registers the calling goroutine itself as the first running thread,
// bypassing the usual fork-and-park dance since there is nothing to wake:
// this goroutine is already executing.
func (s *Scheduler) Boot(name string) *Thread {
	t := newThread(name, s, s.interrupts, s.log, s.debug)
	t.status = Running
	s.mu.Lock()
	s.current = t
	s.threads[t.ID] = t
	s.mu.Unlock()
	return t
}

// ReadyToRun marks t ready and appends it to its priority level, then
// wakes anyone idling for the next runnable thread.
func (s *Scheduler) ReadyToRun(t *Thread) {
	kassert.Require(s.log, t != nil, "ReadyToRun: nil thread")
	s.mu.Lock()
	t.status = Ready
	s.ready.Append(t, t.prio)
	s.mu.Unlock()
	s.cond.Broadcast()
}

// FindNextToRun pops and returns the highest-priority ready thread, or
// (nil, false) if the ready set is empty.
func (s *Scheduler) FindNextToRun() (*Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.Pop()
}

// Reschedule moves t from oldPrio to its (presumably just-changed) current
// priority within the ready set. Lock.Acquire's inheritance boost does not
// call it: Thread.Nice performs the same move through renice.
func (s *Scheduler) Reschedule(t *Thread, oldPrio int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready.Remove(t, oldPrio) {
		s.ready.Append(t, t.prio)
	}
}

// Run switches control from the calling thread to next: next is marked
// running and woken, and the caller parks until it is dispatched again
// (by a later Run, or by a finishing thread handing over the processor).
func (s *Scheduler) Run(next *Thread) {
	prev := s.Current()
	kassert.Require(s.log, prev != next, "Run: next == current thread")
	if s.debug.Enabled(debugflag.Thread) {
		s.log.Debug("context switch", "from", prev.Name, "to", next.Name)
	}
	if prev.Space != nil {
		prev.Space.SaveState()
	}
	s.dispatchOnly(next)
	<-prev.dispatch
	// Execution resumes here once prev itself is redispatched -- not when
	// next runs. prev.Space now belongs to the thread running again, so its
	// TLB state is restored before any of its user-mode code runs.
	if prev.Space != nil {
		prev.Space.RestoreState()
	}
}

// dispatchOnly wakes next without parking the caller, used both by Run and
// by a finishing thread that will never run again and so has no need to
// park.
func (s *Scheduler) dispatchOnly(next *Thread) {
	s.mu.Lock()
	s.current = next
	next.status = Running
	s.mu.Unlock()
	next.dispatch <- struct{}{}
}

// idle blocks until ReadyToRun has put a thread in the ready set, standing
// in for the interrupt layer's wait-for-the-next-device-interrupt when
// Sleep finds no runnable thread.
func (s *Scheduler) idle() {
	s.mu.Lock()
	for s.ready.IsEmpty() {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// Current returns the currently running thread.
func (s *Scheduler) Current() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// retire drops a finished thread from the live-thread table.
func (s *Scheduler) retire(t *Thread) {
	s.mu.Lock()
	delete(s.threads, t.ID)
	s.mu.Unlock()
}

// List returns every live thread, for the Ps syscall.
func (s *Scheduler) List() []*Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t)
	}
	return out
}

// renice changes t's niceness and, if t is currently sitting in the ready
// set, moves it to the bucket matching its new priority.
func (s *Scheduler) renice(t *Thread, v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldPrio := t.prio
	t.nice = v
	t.prio = 120 + v
	if t.status == Ready && oldPrio != t.prio {
		if s.ready.Remove(t, oldPrio) {
			s.ready.Append(t, t.prio)
		}
	}
}

func (s *Scheduler) register(t *Thread) {
	s.mu.Lock()
	s.threads[t.ID] = t
	s.mu.Unlock()
}
