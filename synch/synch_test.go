package synch

import (
	"sync"
	"testing"
	"time"

	"github.com/losgopheros/nachos-go/internal/debugflag"
	"github.com/losgopheros/nachos-go/internal/klog"
	"github.com/losgopheros/nachos-go/machine"
	"github.com/losgopheros/nachos-go/thread"
)

func newTestKernel() (*thread.Scheduler, *machine.Interrupts, *thread.Thread) {
	ints := machine.NewInterrupts()
	sched := thread.NewScheduler(ints, klog.Discard(), debugflag.New(""))
	boot := sched.Boot("boot")
	return sched, ints, boot
}

func withTimeout(t *testing.T, d time.Duration, fn func()) {
	done := make(chan struct{})
	go func() { fn(); close(done) }()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out")
	}
}

// drain repeatedly yields the calling (boot) thread so that every chain of
// finish()-driven dispatches gets a chance to run to completion, even when
// some thread along the way itself calls Yield and bounces control back to
// boot before the whole ready set has drained. Extra calls past the point
// everything is idle are no-ops, per Yield's empty-ready-set contract.
func drain(boot *thread.Thread, rounds int) {
	for i := 0; i < rounds; i++ {
		boot.Yield()
	}
}

func TestSemaphoreBlocksUntilV(t *testing.T) {
	sched, ints, boot := newTestKernel()
	sem := NewSemaphore("s", 0, sched, ints, klog.Discard(), debugflag.New(""))

	var mu sync.Mutex
	var order []string

	sched.Fork("waiter", func(any) {
		sem.P()
		mu.Lock()
		order = append(order, "waiter")
		mu.Unlock()
	}, nil)

	boot.Yield() // let waiter block on P

	mu.Lock()
	order = append(order, "main-before-v")
	mu.Unlock()
	sem.V()
	boot.Yield() // waiter runs to completion before this returns

	mu.Lock()
	defer mu.Unlock()
	if len(order) < 2 || order[len(order)-1] != "waiter" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestLockMutualExclusion(t *testing.T) {
	sched, ints, boot := newTestKernel()
	lock := NewLock("l", sched, ints, klog.Discard(), debugflag.New(""))

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		sched.Fork("incrementer", func(any) {
			lock.Acquire(false)
			counter++
			lock.Release()
			wg.Done()
		}, nil)
	}

	boot.Yield()
	withTimeout(t, time.Second, wg.Wait)

	if counter != 5 {
		t.Fatalf("counter = %d, want 5", counter)
	}
}

// TestLockPriorityInheritance reproduces the Mars-Pathfinder-style
// inversion scenario: a low-priority holder should be boosted so a
// high-priority waiter isn't starved behind a medium-priority thread.
func TestLockPriorityInheritance(t *testing.T) {
	sched, ints, boot := newTestKernel()
	lock := NewLock("l", sched, ints, klog.Discard(), debugflag.New(""))

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(3)

	// low is forked and run alone first, so it actually holds the lock by
	// the time mid and high exist. Forking all three up front would let
	// high (highest priority of the three) get dispatched before low ever
	// runs, acquiring the lock uncontended and exercising nothing.
	low := sched.Fork("low", func(any) {
		lock.Acquire(false)
		record("low-acquired")
		sched.Current().Yield()
		record("low-released")
		lock.Release()
		wg.Done()
	}, nil)
	low.Nice(3)

	boot.Yield() // dispatch low; it acquires the lock, then self-Yields back here

	mid := sched.Fork("mid", func(any) {
		record("mid-ran")
		wg.Done()
	}, nil)
	mid.Nice(1)

	high := sched.Fork("high", func(any) {
		lock.Acquire(true)
		record("high-acquired")
		lock.Release()
		wg.Done()
	}, nil)
	high.Nice(0)

	// drain lets every finish()/wake chain run to completion even though
	// low's own Yield means boot re-enters the ready set mid-chain more
	// than once before everything settles.
	drain(boot, 8)
	withTimeout(t, time.Second, wg.Wait)

	mu.Lock()
	defer mu.Unlock()
	if len(order) == 0 || order[0] != "low-acquired" {
		t.Fatalf("expected low to acquire first: %v", order)
	}
}

func TestConditionSignalWakesOneWaiter(t *testing.T) {
	sched, ints, boot := newTestKernel()
	lock := NewLock("l", sched, ints, klog.Discard(), debugflag.New(""))
	cond := NewCondition("c", lock, sched, ints, klog.Discard(), debugflag.New(""))

	woken := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		sched.Fork("waiter", func(any) {
			lock.Acquire(false)
			cond.Wait()
			mu.Lock()
			woken++
			mu.Unlock()
			lock.Release()
			wg.Done()
		}, nil)
	}

	boot.Yield()

	lock.Acquire(false)
	cond.Signal()
	lock.Release()

	boot.Yield()
	time.Sleep(10 * time.Millisecond)
	boot.Yield()

	mu.Lock()
	got := woken
	mu.Unlock()
	if got != 1 {
		t.Fatalf("woken = %d, want 1", got)
	}

	// release the remaining waiter so the test doesn't leak goroutines
	lock.Acquire(false)
	cond.Broadcast()
	lock.Release()
	boot.Yield()
	withTimeout(t, time.Second, wg.Wait)
}

func TestChannelSendReceive(t *testing.T) {
	sched, ints, boot := newTestKernel()
	ch := NewChannel("ch", sched, ints, klog.Discard(), debugflag.New(""))
	// boot runs only once producer and consumer are both done: at the
	// default priority it would be redispatched mid-exchange and then wait
	// outside the scheduler, leaving the exchange parked.
	boot.Nice(19)

	values := []int{0, 1, 4, 9, 16, 2, 11, 22, 12, 4}
	var received []int
	var wg sync.WaitGroup
	wg.Add(1)

	sched.Fork("consumer", func(any) {
		for range values {
			received = append(received, ch.Receive().(int))
		}
		wg.Done()
	}, nil)

	sched.Fork("producer", func(any) {
		for _, v := range values {
			ch.Send(v)
		}
	}, nil)

	boot.Yield()
	withTimeout(t, time.Second, wg.Wait)

	if len(received) != len(values) {
		t.Fatalf("received %d values, want %d", len(received), len(values))
	}
	for i, v := range values {
		if received[i] != v {
			t.Fatalf("received[%d] = %d, want %d", i, received[i], v)
		}
	}
}
