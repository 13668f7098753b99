package thread

import (
	"sync"
	"testing"
	"time"
)

// TestPriorityOrderedPingPong implements the spec's priority-ordered
// ping-pong scenario literally: four threads at nice 0..3 plus the
// booting thread itself at nice 19, each printing its own name ten times
// then yielding once. Since nothing here blocks or sleeps mid-loop, a
// thread keeps the processor for its entire run of ten prints and only then
// yields, to the most urgent other ready thread (which may be less urgent
// than itself). Each thread is first dispatched only after every more
// urgent forked thread has printed all ten, so the records come out in
// strict priority order: nice=0 entirely before nice=1, and so on, with the
// nice=19 caller last.
func TestPriorityOrderedPingPong(t *testing.T) {
	sched, boot := newTestScheduler()
	boot.Nice(19)

	var mu sync.Mutex
	var log []string
	record := func(name string) {
		mu.Lock()
		log = append(log, name)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	names := []string{"p0", "p1", "p2", "p3"}
	for i, name := range names {
		wg.Add(1)
		n := name
		th := sched.Fork(n, func(any) {
			for i := 0; i < 10; i++ {
				record(n)
			}
			sched.Current().Yield()
			wg.Done()
		}, nil)
		th.Nice(i)
	}

	boot.Yield() // dispatches p0 (highest priority); resumes here once
	// every forked thread has run its cascade and boot is the only
	// thread left ready.
	for i := 0; i < 10; i++ {
		record("1st")
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forked threads never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(log) != 50 {
		t.Fatalf("got %d records, want 50: %v", len(log), log)
	}
	want := []string{}
	for _, n := range names {
		for i := 0; i < 10; i++ {
			want = append(want, n)
		}
	}
	for i := 0; i < 10; i++ {
		want = append(want, "1st")
	}
	for i, w := range want {
		if log[i] != w {
			t.Fatalf("record %d = %q, want %q (full log: %v)", i, log[i], w, log)
		}
	}
}
