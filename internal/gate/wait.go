package gate

import (
	"context"
	"errors"
	"time"
)

// errDeadline is returned by waitUntil when the deadline passes before the
// condition holds. Callers translate it into a typed *Error.
var errDeadline = errors.New("gate: wait deadline exceeded")

// waitUntil blocks until cond holds, the deadline passes, or ctx is done.
//
// Must be called with g.mu held. The lock is released while blocked and
// re-acquired before cond is evaluated and before returning, so cond always
// observes consistent state.
//
// Returns nil when cond holds, errDeadline on expiry, or ctx.Err().
func (g *Gate) waitUntil(ctx context.Context, deadline time.Time, cond func() bool) error {
	for !cond() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errDeadline
		}

		changed := g.changed
		g.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-changed:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()

		g.mu.Lock()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// broadcast wakes every goroutine blocked in waitUntil.
// Must be called with g.mu held.
func (g *Gate) broadcast() {
	close(g.changed)
	g.changed = make(chan struct{})
}
