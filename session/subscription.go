package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jrsteele09/portal-session/docstore"
	apperrors "github.com/jrsteele09/portal-session/internal/errors"
	"github.com/jrsteele09/portal-session/internal/timer"
	"github.com/rs/zerolog"
)

// subscriptionManager keeps at most one canonical profile subscription open.
// Open and Close are called only from the machine's loop.
type subscriptionManager struct {
	store      docstore.Store
	collection string
	deadline   time.Duration
	scheduler  timer.Scheduler
	logger     zerolog.Logger
	post       func(ctx context.Context, ev event)

	active *subscription
}

type subscription struct {
	gen     uint64
	uid     string
	cancel  context.CancelFunc
	settled atomic.Bool // set by whichever of deadline or first event wins
}

// Open closes any open subscription and subscribes to uid's canonical record
// for generation gen. Everything it starts stops when ctx is cancelled.
func (sm *subscriptionManager) Open(ctx context.Context, gen uint64, uid string) {
	sm.Close()

	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{gen: gen, uid: uid, cancel: cancel}
	sm.active = sub

	timer.AfterFunc(ctx, sm.scheduler, sm.deadline, func() {
		if !sub.settled.CompareAndSwap(false, true) {
			return
		}
		sm.logger.Warn().Str("uid", uid).Uint64("generation", gen).Dur("deadline", sm.deadline).Msg("profile subscription timed out")
		sm.post(ctx, subscriptionSettled{gen: gen, outcome: outcomeTimedOut, err: apperrors.ErrDeadlineExceeded})
		cancel()
	})

	go sm.pump(ctx, sub)
}

// Close cancels the open subscription, if any.
func (sm *subscriptionManager) Close() {
	if sm.active == nil {
		return
	}
	sm.active.cancel()
	sm.active = nil
}

// pump forwards snapshots for sub until ctx ends. An error before the first
// snapshot settles the subscription as timed out; a later one is followed by
// a fresh subscription after resubscribeDelay so live updates resume.
func (sm *subscriptionManager) pump(ctx context.Context, sub *subscription) {
	for {
		err := sm.forward(ctx, sub)
		if err == nil || ctx.Err() != nil {
			return
		}
		if sub.settled.CompareAndSwap(false, true) {
			sm.logger.Warn().Err(err).Str("uid", sub.uid).Uint64("generation", sub.gen).Msg("profile subscription failed")
			sm.post(ctx, subscriptionSettled{gen: sub.gen, outcome: outcomeTimedOut, err: apperrors.Join(apperrors.ErrTransientBackend, err)})
			sub.cancel()
			return
		}

		sm.logger.Warn().Err(err).Str("uid", sub.uid).Uint64("generation", sub.gen).Dur("retry_in", resubscribeDelay).Msg("live profile updates interrupted, resubscribing")
		if !sm.sleep(ctx, resubscribeDelay) {
			return
		}
	}
}

// forward relays one store subscription. It returns nil when ctx ends or the
// store closes the stream, and the error that broke the stream otherwise.
func (sm *subscriptionManager) forward(ctx context.Context, sub *subscription) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	snaps, err := sm.store.Subscribe(ctx, sm.collection, sub.uid)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			if snap.Err != nil {
				return snap.Err
			}

			if sub.settled.CompareAndSwap(false, true) {
				result := subscriptionSettled{gen: sub.gen, outcome: outcomeAbsent}
				if snap.Exists {
					result.outcome = outcomeExists
					result.doc = snap.Data
				}
				sm.post(ctx, result)
				continue
			}
			sm.post(ctx, profileChanged{gen: sub.gen, exists: snap.Exists, doc: snap.Data})
		}
	}
}

// sleep waits d on the scheduler and reports false if ctx ended first.
func (sm *subscriptionManager) sleep(ctx context.Context, d time.Duration) bool {
	wake := make(chan struct{})
	timer.AfterFunc(ctx, sm.scheduler, d, func() { close(wake) })
	select {
	case <-wake:
		return true
	case <-ctx.Done():
		return false
	}
}
