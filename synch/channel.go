package synch

import (
	"log/slog"

	"github.com/losgopheros/nachos-go/internal/debugflag"
	"github.com/losgopheros/nachos-go/machine"
	"github.com/losgopheros/nachos-go/thread"
)

// Channel is a synchronous one-word rendezvous: each completed Send pairs
// with exactly one Receive. Senders serialize behind a send lock; the
// buffer itself needs no separate mutex because the send-lock plus the two
// handoff semaphores already guarantee at most one sender and one
// receiver touch it at a time.
type Channel struct {
	sendLock *Lock
	ready    *Semaphore // posted once the buffer holds a value
	consumed *Semaphore // posted once the receiver has taken it
	buffer   any

	name string
	log  *slog.Logger
}

// NewChannel builds an empty rendezvous channel.
func NewChannel(name string, sched *thread.Scheduler, interrupts *machine.Interrupts, log *slog.Logger, debug *debugflag.Registry) *Channel {
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		sendLock: NewLock(name+".send", sched, interrupts, log, debug),
		ready:    NewSemaphore(name+".ready", 0, sched, interrupts, log, debug),
		consumed: NewSemaphore(name+".consumed", 0, sched, interrupts, log, debug),
		name:     name,
		log:      log,
	}
}

// Send blocks until a receiver has taken m.
func (c *Channel) Send(m any) {
	c.sendLock.Acquire(false)
	c.buffer = m
	c.ready.V()
	c.consumed.P()
	c.sendLock.Release()
}

// Receive blocks until a sender has a value waiting, then returns it.
func (c *Channel) Receive() any {
	c.ready.P()
	m := c.buffer
	c.consumed.V()
	return m
}
