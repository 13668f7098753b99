package syscall

import (
	"log/slog"

	"github.com/losgopheros/nachos-go/internal/debugflag"
	"github.com/losgopheros/nachos-go/machine"
	"github.com/losgopheros/nachos-go/synch"
	"github.com/losgopheros/nachos-go/thread"
)

// SynchConsole wraps the asynchronous machine.Console with a pair of
// semaphores so Read/Write present as ordinary blocking calls, grounded on
// the original's userprog/synch_console.cc (one semaphore each for
// read-available and write-done, one lock each so concurrent readers/
// writers serialize). It lives in syscall rather than machine because it
// depends on synch and thread, which themselves depend on machine.
type SynchConsole struct {
	console machine.Console

	readLock  *synch.Lock
	writeLock *synch.Lock
	readAvail *synch.Semaphore
	writeDone *synch.Semaphore

	debug *debugflag.Registry
	log   *slog.Logger
}

// NewSynchConsole wires itself as console's interrupt handler and returns a
// synchronous Read/Write interface over it.
func NewSynchConsole(console machine.Console, sched *thread.Scheduler, interrupts *machine.Interrupts, log *slog.Logger, debug *debugflag.Registry) *SynchConsole {
	if log == nil {
		log = slog.Default()
	}
	sc := &SynchConsole{
		console:   console,
		readLock:  synch.NewLock("synchconsole.read", sched, interrupts, log, debug),
		writeLock: synch.NewLock("synchconsole.write", sched, interrupts, log, debug),
		readAvail: synch.NewSemaphore("synchconsole.readAvail", 0, sched, interrupts, log, debug),
		writeDone: synch.NewSemaphore("synchconsole.writeDone", 0, sched, interrupts, log, debug),
		log:       log,
		debug:     debug,
	}
	console.SetHandler(sc)
	return sc
}

// ReadAvail implements ConsoleInterruptHandler: the console ISR calls this
// once a character is available to GetChar.
func (sc *SynchConsole) ReadAvail() { sc.readAvail.V() }

// WriteDone implements ConsoleInterruptHandler: the console ISR calls this
// once the last PutChar has drained.
func (sc *SynchConsole) WriteDone() { sc.writeDone.V() }

// Read blocks until n bytes have arrived from the console.
func (sc *SynchConsole) Read(n int) []byte {
	sc.readLock.Acquire(false)
	defer sc.readLock.Release()
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		sc.readAvail.P()
		out[i] = sc.console.GetChar()
	}
	if sc.debug.Enabled(debugflag.Exceptions) {
		sc.log.Debug("console read", "bytes", n)
	}
	return out
}

// Write blocks until every byte of data has been handed to the console.
func (sc *SynchConsole) Write(data []byte) {
	sc.writeLock.Acquire(false)
	defer sc.writeLock.Release()
	for _, b := range data {
		sc.console.PutChar(b)
		sc.writeDone.P()
	}
	if sc.debug.Enabled(debugflag.Exceptions) {
		sc.log.Debug("console write", "bytes", len(data))
	}
}
