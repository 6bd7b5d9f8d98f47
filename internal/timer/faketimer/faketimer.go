package faketimer

import (
	"sort"
	"sync"
	"time"

	"github.com/jrsteele09/portal-session/internal/timer"
)

var _ timer.Scheduler = (*Scheduler)(nil)

// Scheduler is a manually advanced timer.Scheduler. Callbacks only run from
// Advance, on the caller's goroutine, in deadline order.
type Scheduler struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers map[int]*fakeTimer
}

type fakeTimer struct {
	s   *Scheduler
	id  int
	at  time.Time
	fn  func()
	ran bool
}

// New creates a fake scheduler whose clock starts at start.
func New(start time.Time) *Scheduler {
	return &Scheduler{
		now:    start,
		timers: make(map[int]*fakeTimer),
	}
}

func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Scheduler) AfterFunc(d time.Duration, f func()) timer.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ft := &fakeTimer{s: s, id: s.seq, at: s.now.Add(d), fn: f}
	s.timers[ft.id] = ft
	return ft
}

// Advance moves the clock forward by d, running every timer that falls due.
func (s *Scheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	for {
		next := s.nextDue(target)
		if next == nil {
			break
		}
		delete(s.timers, next.id)
		next.ran = true
		s.now = next.at
		s.mu.Unlock()
		next.fn()
		s.mu.Lock()
	}
	s.now = target
	s.mu.Unlock()
}

// Pending returns the number of timers that are scheduled and not stopped.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) nextDue(target time.Time) *fakeTimer {
	due := make([]*fakeTimer, 0, len(s.timers))
	for _, ft := range s.timers {
		if !ft.at.After(target) {
			due = append(due, ft)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})
	return due[0]
}

func (ft *fakeTimer) Stop() bool {
	ft.s.mu.Lock()
	defer ft.s.mu.Unlock()
	if ft.ran {
		return false
	}
	if _, ok := ft.s.timers[ft.id]; !ok {
		return false
	}
	delete(ft.s.timers, ft.id)
	return true
}
