package session

import (
	"sync"
	"time"

	"github.com/jrsteele09/portal-session/internal/timer"
)

// Signal is a kind of user input that proves the user is still present.
type Signal string

const (
	SignalPointer  Signal = "pointer"
	SignalKeyboard Signal = "keyboard"
	SignalScroll   Signal = "scroll"
	SignalTouch    Signal = "touch"
)

func (s Signal) Valid() bool {
	switch s {
	case SignalPointer, SignalKeyboard, SignalScroll, SignalTouch:
		return true
	}
	return false
}

// InactivityMonitor fires once when no qualifying signal arrives within the
// threshold. It is idle until Start and returns to idle after firing or Stop.
type InactivityMonitor struct {
	mu        sync.Mutex
	scheduler timer.Scheduler
	threshold time.Duration
	onExpire  func(gen uint64)

	active bool
	gen    uint64
	seq    uint64 // identifies the live timer; older callbacks are ignored
	timer  timer.Timer
}

func NewInactivityMonitor(s timer.Scheduler, threshold time.Duration, onExpire func(gen uint64)) *InactivityMonitor {
	return &InactivityMonitor{
		scheduler: s,
		threshold: threshold,
		onExpire:  onExpire,
	}
}

// Start begins monitoring on behalf of generation gen, replacing any
// previous monitoring.
func (im *InactivityMonitor) Start(gen uint64) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.active = true
	im.gen = gen
	im.rescheduleLocked()
}

func (im *InactivityMonitor) Stop() {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.active = false
	im.seq++
	if im.timer != nil {
		im.timer.Stop()
		im.timer = nil
	}
}

// Touch records a signal. The deadline is replaced by a fresh one measured
// from now. It reports whether the signal was accepted.
func (im *InactivityMonitor) Touch(sig Signal) bool {
	if !sig.Valid() {
		return false
	}
	im.mu.Lock()
	defer im.mu.Unlock()
	if !im.active {
		return false
	}
	im.rescheduleLocked()
	return true
}

func (im *InactivityMonitor) rescheduleLocked() {
	if im.timer != nil {
		im.timer.Stop()
	}
	im.seq++
	seq := im.seq
	im.timer = im.scheduler.AfterFunc(im.threshold, func() {
		im.mu.Lock()
		if !im.active || im.seq != seq {
			im.mu.Unlock()
			return
		}
		im.active = false
		im.timer = nil
		gen := im.gen
		im.mu.Unlock()

		im.onExpire(gen)
	})
}
