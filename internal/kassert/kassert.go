// Package kassert implements the kernel's single fatal-invariant primitive.
//
// Nachos-style kernels terminate on a broken invariant (a re-acquired lock,
// a double Join, the scheduler entered with interrupts enabled) rather than
// trying to recover from a programmer bug. Require logs the violation
// through the caller's logger, at Error, before panicking, mirroring the
// teacher's defer/recover-wrapped scheduler goroutines that log a panic
// before re-raising it.
package kassert

import (
	"fmt"
	"log/slog"
)

// Require panics with msg if cond is false. When log is non-nil the
// violation is recorded at Error level first.
func Require(log *slog.Logger, cond bool, msg string, args ...any) {
	if cond {
		return
	}
	formatted := fmt.Sprintf(msg, args...)
	if log != nil {
		log.Error("invariant violated", "detail", formatted)
	}
	panic("kassert: " + formatted)
}
