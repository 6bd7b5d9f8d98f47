// Package timer schedules and cancels delayed callbacks. Every deadline in the
// session engine goes through a Scheduler so tests can drive time by hand.
package timer

import (
	"context"
	"sync"
	"time"
)

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// callback already ran or the timer was already stopped.
	Stop() bool
}

// Scheduler creates timers and reports the current time.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

type system struct{}

var _ Scheduler = system{}

// System returns a Scheduler backed by the runtime clock.
func System() Scheduler {
	return system{}
}

func (system) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (system) Now() time.Time {
	return time.Now()
}

// AfterFunc schedules f on s and binds the timer to ctx: cancelling ctx stops
// the timer, and f never runs once ctx is done.
func AfterFunc(ctx context.Context, s Scheduler, d time.Duration, f func()) Timer {
	bt := &boundTimer{}
	bt.mu.Lock()
	defer bt.mu.Unlock()

	bt.t = s.AfterFunc(d, func() {
		bt.detach()
		if ctx.Err() != nil {
			return
		}
		f()
	})
	bt.release = context.AfterFunc(ctx, func() {
		bt.Stop()
	})
	return bt
}

type boundTimer struct {
	mu      sync.Mutex
	t       Timer
	release func() bool
}

func (b *boundTimer) Stop() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.release != nil {
		b.release()
	}
	return b.t.Stop()
}

func (b *boundTimer) detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.release != nil {
		b.release()
	}
}
