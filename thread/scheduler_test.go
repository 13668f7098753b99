package thread

import (
	"sync"
	"testing"
	"time"

	"github.com/losgopheros/nachos-go/internal/debugflag"
	"github.com/losgopheros/nachos-go/internal/klog"
	"github.com/losgopheros/nachos-go/machine"
)

func newTestScheduler() (*Scheduler, *Thread) {
	ints := machine.NewInterrupts()
	sched := NewScheduler(ints, klog.Discard(), debugflag.New(""))
	boot := sched.Boot("boot")
	return sched, boot
}

func TestForkRunsFunctionAndFinishes(t *testing.T) {
	sched, boot := newTestScheduler()

	var wg sync.WaitGroup
	wg.Add(1)
	ran := false
	sched.Fork("worker", func(any) {
		ran = true
		wg.Done()
	}, nil)

	boot.Yield() // let worker run to completion

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker never ran")
	}
	if !ran {
		t.Fatal("forked function did not run")
	}
}

func TestJoinReceivesExitStatus(t *testing.T) {
	sched, boot := newTestScheduler()

	child := sched.Fork("child", func(any) { time.Sleep(10 * time.Millisecond) }, nil)
	child.Joinable()

	status := make(chan int, 1)
	// Join must be called from a dispatched thread's own goroutine, not an
	// ad-hoc one, since it suspends the calling thread through the
	// scheduler; a "joiner" thread models a parent waiting on a child.
	sched.Fork("joiner", func(any) {
		status <- child.Join()
	}, nil)

	boot.Yield() // child (forked first, same priority) runs and finishes; joiner's Join then returns its status without blocking

	select {
	case s := <-status:
		if s != 0 {
			t.Fatalf("Join() = %d, want 0", s)
		}
	case <-time.After(time.Second):
		t.Fatal("Join never returned")
	}
}

func TestJoinTwiceAfterFinishIsFatal(t *testing.T) {
	sched, boot := newTestScheduler()

	child := sched.Fork("child", func(any) {}, nil)
	child.Joinable()

	// Let child run to completion before either Join call, so the first
	// Join never suspends -- the case the joinWaiter-only guard used to miss.
	boot.Yield()

	if s := child.Join(); s != 0 {
		t.Fatalf("Join() = %d, want 0", s)
	}

	done := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("second Join() on an already-finished thread did not panic")
			}
			close(done)
		}()
		child.Join()
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Join() never returned or panicked")
	}
}

func TestPriorityOrderedDispatch(t *testing.T) {
	sched, boot := newTestScheduler()
	// boot goes last, as in TestPriorityOrderedPingPong: at the default
	// priority it would re-enter the ready set ahead of mid and low, and once
	// it resumes it waits outside the scheduler, so they would never run.
	boot.Nice(19)

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	names := []string{"low", "mid", "high"}
	nices := []int{3, 1, 0} // higher nice = lower priority = should run later
	for i, name := range names {
		wg.Add(1)
		n := name
		nice := nices[i]
		th := sched.Fork(n, func(any) {
			record(n)
			wg.Done()
		}, nil)
		th.Nice(nice)
	}

	boot.Yield()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forked threads never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("got %d completions, want 3: %v", len(order), order)
	}
	if order[0] != "high" {
		t.Fatalf("first to run = %q, want %q (order: %v)", order[0], "high", order)
	}
}
