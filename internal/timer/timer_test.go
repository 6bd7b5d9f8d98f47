package timer_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/portal-session/internal/timer"
	"github.com/jrsteele09/portal-session/internal/timer/faketimer"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func TestFakeSchedulerFiresInOrder(t *testing.T) {
	s := faketimer.New(epoch)
	var order []string

	s.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	s.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	s.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	s.Advance(2 * time.Second)
	require.Equal(t, []string{"a", "b"}, order)
	require.Equal(t, 1, s.Pending())

	s.Advance(time.Second)
	require.Equal(t, []string{"a", "b", "c"}, order)
	require.Equal(t, epoch.Add(3*time.Second), s.Now())
}

func TestFakeTimerStop(t *testing.T) {
	s := faketimer.New(epoch)
	var fired atomic.Bool

	tm := s.AfterFunc(time.Second, func() { fired.Store(true) })
	require.True(t, tm.Stop())
	require.False(t, tm.Stop())

	s.Advance(time.Minute)
	require.False(t, fired.Load())
	require.Zero(t, s.Pending())
}

func TestAfterFuncBoundToContext(t *testing.T) {
	t.Run("fires while context is live", func(t *testing.T) {
		s := faketimer.New(epoch)
		var fired atomic.Int32

		timer.AfterFunc(context.Background(), s, time.Second, func() { fired.Add(1) })
		s.Advance(time.Second)
		require.EqualValues(t, 1, fired.Load())
	})

	t.Run("cancel stops the timer", func(t *testing.T) {
		s := faketimer.New(epoch)
		ctx, cancel := context.WithCancel(context.Background())
		var fired atomic.Int32

		timer.AfterFunc(ctx, s, time.Second, func() { fired.Add(1) })
		cancel()

		require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
		s.Advance(time.Second)
		require.Zero(t, fired.Load())
	})

	t.Run("explicit stop", func(t *testing.T) {
		s := faketimer.New(epoch)
		var fired atomic.Int32

		tm := timer.AfterFunc(context.Background(), s, time.Second, func() { fired.Add(1) })
		require.True(t, tm.Stop())
		s.Advance(time.Second)
		require.Zero(t, fired.Load())
	})
}

func TestSystemScheduler(t *testing.T) {
	done := make(chan struct{})
	timer.AfterFunc(context.Background(), timer.System(), 5*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("system timer did not fire")
	}
}
