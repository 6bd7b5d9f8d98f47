// Package session turns identity provider events into a role-resolved,
// continuously validated session.
//
// A Machine owns the session. All state changes happen on the goroutine
// running Machine.Run; subscriptions, reconciliation and timers report back
// to it as events tagged with the generation they were started under, and
// the loop drops any event whose generation is no longer current.
package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jrsteele09/portal-session/docstore"
	"github.com/jrsteele09/portal-session/identity"
	apperrors "github.com/jrsteele09/portal-session/internal/errors"
	"github.com/jrsteele09/portal-session/internal/timer"
	"github.com/jrsteele09/portal-session/internal/utils"
	"github.com/jrsteele09/portal-session/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSubscriptionDeadline = 5 * time.Second
	DefaultReconcileDeadline    = 5 * time.Second
	DefaultGlobalDeadline       = 12 * time.Second
	DefaultIdleThreshold        = 5 * time.Minute
	DefaultCanonicalCollection  = "users"

	eventBuffer      = 64
	signOutDeadline  = 10 * time.Second
	resubscribeDelay = time.Second
)

// Reconciler rebuilds a missing canonical profile.
type Reconciler interface {
	Restore(ctx context.Context, ident identity.Identity) (users.Profile, error)
}

// currentProvider is implemented by providers that can report who is
// signed in right now.
type currentProvider interface {
	Current() *identity.Identity
}

// deadliner is implemented by reconcilers that bound their own run time.
type deadliner interface {
	Deadline() time.Duration
}

type Machine struct {
	provider   identity.Provider
	reconciler Reconciler
	scheduler  timer.Scheduler
	logger     zerolog.Logger

	store                docstore.Store
	canonical            string
	subscriptionDeadline time.Duration
	reconcileDeadline    time.Duration
	globalDeadline       time.Duration
	idleThreshold        time.Duration

	gen     Generation
	events  chan event
	quit    chan struct{}
	running atomic.Bool

	// Owned by the loop goroutine.
	runCtx          context.Context
	state           Snapshot
	epochCancel     context.CancelFunc
	reconcileCancel context.CancelFunc
	safetyNet       timer.Timer
	subs            *subscriptionManager
	monitor         *InactivityMonitor

	pubMu       sync.RWMutex
	current     Snapshot
	subscribers map[uint64]chan Snapshot
	nextSubID   uint64
}

type Option func(*Machine)

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithScheduler sets the scheduler every deadline runs on (primarily for testing)
func WithScheduler(s timer.Scheduler) Option {
	return func(m *Machine) {
		m.scheduler = s
	}
}

// WithDeadlines sets the canonical subscription deadline and the global
// safety net. New rejects a global deadline that does not exceed subscription
// plus the reconciliation deadline.
func WithDeadlines(subscription, global time.Duration) Option {
	return func(m *Machine) {
		m.subscriptionDeadline = subscription
		m.globalDeadline = global
	}
}

// WithReconcileDeadline sets how long a restore may take. Without it the
// reconciler's own Deadline is used when it has one, otherwise
// DefaultReconcileDeadline.
func WithReconcileDeadline(d time.Duration) Option {
	return func(m *Machine) {
		m.reconcileDeadline = d
	}
}

func WithIdleThreshold(d time.Duration) Option {
	return func(m *Machine) {
		m.idleThreshold = d
	}
}

func WithCanonicalCollection(collection string) Option {
	return func(m *Machine) {
		m.canonical = collection
	}
}

func New(provider identity.Provider, store docstore.Store, reconciler Reconciler, options ...Option) (*Machine, error) {
	if provider == nil {
		return nil, errors.New("[session.New] provider is required")
	}
	if store == nil {
		return nil, errors.New("[session.New] store is required")
	}
	if reconciler == nil {
		return nil, errors.New("[session.New] reconciler is required")
	}

	m := &Machine{
		provider:             provider,
		reconciler:           reconciler,
		store:                store,
		scheduler:            timer.System(),
		logger:               log.Logger.With().Str("component", "session").Logger(),
		canonical:            DefaultCanonicalCollection,
		subscriptionDeadline: DefaultSubscriptionDeadline,
		globalDeadline:       DefaultGlobalDeadline,
		idleThreshold:        DefaultIdleThreshold,
		events:               make(chan event, eventBuffer),
		quit:                 make(chan struct{}),
		subscribers:          make(map[uint64]chan Snapshot),
	}
	for _, opt := range options {
		opt(m)
	}
	if m.reconcileDeadline == 0 {
		m.reconcileDeadline = DefaultReconcileDeadline
		if d, ok := reconciler.(deadliner); ok {
			m.reconcileDeadline = d.Deadline()
		}
	}

	if m.subscriptionDeadline <= 0 || m.reconcileDeadline <= 0 || m.idleThreshold <= 0 {
		return nil, errors.New("[session.New] deadlines must be positive")
	}
	if m.globalDeadline <= m.subscriptionDeadline+m.reconcileDeadline {
		return nil, fmt.Errorf("[session.New] global deadline %s must exceed subscription %s plus reconciliation %s",
			m.globalDeadline, m.subscriptionDeadline, m.reconcileDeadline)
	}

	m.subs = &subscriptionManager{
		store:      store,
		collection: m.canonical,
		deadline:   m.subscriptionDeadline,
		scheduler:  m.scheduler,
		logger:     m.logger,
		post:       m.post,
	}
	m.monitor = NewInactivityMonitor(m.scheduler, m.idleThreshold, func(gen uint64) {
		m.post(m.runCtx, inactivityExpired{gen: gen})
	})
	m.runCtx = context.Background()
	m.current = Snapshot{Status: Unauthenticated}
	m.state = m.current
	return m, nil
}

// Run drives the machine until ctx is cancelled. It registers with the
// identity provider on start and releases every subscription and timer on
// return. A Machine runs at most once.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("[session.Run] machine already started")
	}

	m.runCtx = ctx
	unsubscribe := m.provider.OnIdentityChanged(func(ident *identity.Identity) {
		m.post(ctx, identityChanged{ident: ident})
	})

	defer func() {
		close(m.quit)
		unsubscribe()
		m.teardownEpoch()
		m.closeSubscribers()
	}()

	m.logger.Info().Msg("session machine started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("session machine stopped")
			return nil
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

// Current returns the most recently published snapshot.
func (m *Machine) Current() Snapshot {
	m.pubMu.RLock()
	defer m.pubMu.RUnlock()
	return m.current
}

// Subscribe returns a channel that holds the latest snapshot, starting with
// the current one. A slow reader only misses intermediate values. The
// channel closes on unsubscribe or when the machine stops.
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	m.pubMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	ch <- m.current
	select {
	case <-m.quit:
		close(ch)
		m.pubMu.Unlock()
		return ch, func() {}
	default:
	}
	m.subscribers[id] = ch
	m.pubMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.pubMu.Lock()
			defer m.pubMu.Unlock()
			if c, ok := m.subscribers[id]; ok {
				delete(m.subscribers, id)
				close(c)
			}
		})
	}
}

// RecordActivity feeds a user input signal to the inactivity monitor. It
// reports whether the signal was counted, which only happens while Ready.
func (m *Machine) RecordActivity(sig Signal) bool {
	return m.monitor.Touch(sig)
}

// SignOut asks the identity provider to end the session. The transition to
// Unauthenticated follows from the provider's announcement.
func (m *Machine) SignOut(ctx context.Context) error {
	return m.provider.SignOut(ctx)
}

// Retry starts a fresh attempt to resolve the current identity's profile. It
// only has an effect from Unrecoverable or Ready without a profile.
func (m *Machine) Retry(ctx context.Context) error {
	if !m.running.Load() {
		return apperrors.ErrNotRunning
	}
	select {
	case m.events <- retryRequested{}:
		return nil
	case <-m.quit:
		return apperrors.ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers ev to the loop unless ctx ends or the machine stops first.
func (m *Machine) post(ctx context.Context, ev event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	case <-m.quit:
	}
}

func (m *Machine) handle(ev event) {
	switch ev := ev.(type) {
	case identityChanged:
		m.onIdentityChanged(ev.ident)
	case subscriptionSettled:
		m.onSubscriptionSettled(ev)
	case profileChanged:
		m.onProfileChanged(ev)
	case reconciled:
		m.onReconciled(ev)
	case globalDeadlineElapsed:
		m.onGlobalDeadline(ev)
	case inactivityExpired:
		m.onInactivityExpired(ev)
	case retryRequested:
		m.onRetry()
	default:
		m.logger.Error().Type("event", ev).Msg("unknown session event")
	}
}

func (m *Machine) onIdentityChanged(ident *identity.Identity) {
	if ident == nil {
		if m.state.Status.State == StateUnauthenticated {
			return
		}
		m.signOut(CauseSignedOut)
		return
	}

	if m.state.Status.State != StateUnauthenticated && m.state.Identity != nil && m.state.Identity.ID == ident.ID {
		m.logger.Debug().Str("uid", ident.ID).Msg("identity re-announced, keeping session")
		return
	}
	m.beginEpoch(ident)
}

func (m *Machine) beginEpoch(ident *identity.Identity) {
	m.teardownEpoch()

	gen := m.gen.Next()
	epochCtx, cancel := context.WithCancel(m.runCtx)
	m.epochCancel = cancel

	m.logger.Info().Str("uid", ident.ID).Uint64("generation", gen).Msg("resolving session profile")
	m.safetyNet = timer.AfterFunc(epochCtx, m.scheduler, m.globalDeadline, func() {
		m.post(epochCtx, globalDeadlineElapsed{gen: gen})
	})
	m.subs.Open(epochCtx, gen, ident.ID)
	m.publish(Snapshot{Status: Loading, Identity: ident, Generation: gen})
}

func (m *Machine) signOut(cause Cause) {
	m.teardownEpoch()
	gen := m.gen.Next()
	m.logger.Info().Str("cause", string(cause)).Uint64("generation", gen).Msg("session signed out")
	m.publish(Snapshot{Status: Unauthenticated, Generation: gen, Cause: cause})
}

// teardownEpoch releases everything started for the current generation.
func (m *Machine) teardownEpoch() {
	m.monitor.Stop()
	m.subs.Close()
	m.cancelReconcile()
	m.disarmSafetyNet()
	if m.epochCancel != nil {
		m.epochCancel()
		m.epochCancel = nil
	}
}

func (m *Machine) disarmSafetyNet() {
	if m.safetyNet != nil {
		m.safetyNet.Stop()
		m.safetyNet = nil
	}
}

func (m *Machine) cancelReconcile() {
	if m.reconcileCancel != nil {
		m.reconcileCancel()
		m.reconcileCancel = nil
	}
}

func (m *Machine) stale(gen uint64, what string) bool {
	if m.gen.IsCurrent(gen) {
		return false
	}
	m.logger.Debug().Err(apperrors.ErrStaleResult).Str("result", what).Uint64("generation", gen).Uint64("current", m.gen.Current()).Msg("discarding stale result")
	return true
}

func (m *Machine) onSubscriptionSettled(ev subscriptionSettled) {
	if m.stale(ev.gen, "subscription") {
		return
	}

	switch m.state.Status.State {
	case StateLoading:
	case StateReady:
		// The safety net settled first; a late record still upgrades the session.
		if ev.outcome == outcomeExists {
			m.onProfileChanged(profileChanged{gen: ev.gen, exists: true, doc: ev.doc})
		}
		return
	default:
		return
	}

	switch ev.outcome {
	case outcomeExists:
		m.settleReady(m.profileFrom(ev.doc))
	case outcomeAbsent:
		m.startReconcile(ev.gen)
	case outcomeTimedOut:
		m.logger.Warn().Err(ev.err).Str("uid", m.state.Identity.ID).Msg("no profile result, continuing without profile")
		m.settleReady(nil)
	}
}

func (m *Machine) onProfileChanged(ev profileChanged) {
	if m.stale(ev.gen, "profile update") {
		return
	}

	switch m.state.Status.State {
	case StateLoading:
		if ev.exists {
			m.cancelReconcile()
			m.settleReady(m.profileFrom(ev.doc))
		}
	case StateReady:
		if !ev.exists {
			m.logger.Warn().Str("uid", m.state.Identity.ID).Msg("canonical profile disappeared, keeping last known profile")
			return
		}
		profile := m.profileFrom(ev.doc)
		if m.state.Status.HasProfile && reflect.DeepEqual(m.state.Profile, profile) {
			return
		}
		next := m.state
		next.Status = Ready(true)
		next.Profile = profile
		m.publish(next)
	}
}

func (m *Machine) startReconcile(gen uint64) {
	ident := *m.state.Identity
	ctx, cancel := context.WithCancel(m.runCtx)
	m.reconcileCancel = cancel

	// Posted on runCtx so a cancelled restore still reaches the stale check.
	runCtx := m.runCtx
	m.logger.Info().Str("uid", ident.ID).Msg("canonical profile absent, attempting restore")
	go func() {
		p, err := m.reconciler.Restore(ctx, ident)
		m.post(runCtx, reconciled{gen: gen, profile: p, err: err})
	}()
}

func (m *Machine) onReconciled(ev reconciled) {
	if m.stale(ev.gen, "reconciliation") {
		return
	}
	m.cancelReconcile()
	if m.state.Status.State != StateLoading {
		return
	}

	if ev.err != nil {
		m.logger.Error().Err(ev.err).Str("uid", m.state.Identity.ID).Msg("profile could not be restored")
		m.teardownEpoch()
		next := m.state
		next.Status = Unrecoverable
		next.Profile = nil
		m.publish(next)
		return
	}

	profile := ev.profile
	m.settleReady(&profile)
}

func (m *Machine) onGlobalDeadline(ev globalDeadlineElapsed) {
	if m.stale(ev.gen, "global deadline") || m.state.Status.State != StateLoading {
		return
	}
	m.safetyNet = nil
	m.logger.Warn().Str("uid", m.state.Identity.ID).Dur("deadline", m.globalDeadline).Msg("session safety net fired")
	m.cancelReconcile()
	m.settleReady(nil)
}

func (m *Machine) onInactivityExpired(ev inactivityExpired) {
	if m.stale(ev.gen, "inactivity") || m.state.Status.State != StateReady {
		return
	}

	uid := m.state.Identity.ID
	m.signOut(CauseInactivity)

	// The provider's nil announcement arrives later and finds the session
	// already Unauthenticated. A provider that has since moved on to another
	// sign-in is left alone.
	go func() {
		if cp, ok := m.provider.(currentProvider); ok {
			if current := utils.Value(cp.Current()); current.ID != uid {
				m.logger.Info().Str("uid", uid).Str("current", current.ID).Msg("provider moved on, skipping inactivity sign-out")
				return
			}
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(m.runCtx), signOutDeadline)
		defer cancel()
		if err := m.provider.SignOut(ctx); err != nil {
			m.logger.Err(err).Msg("provider sign-out after inactivity")
		}
	}()
}

func (m *Machine) onRetry() {
	s := m.state.Status
	if m.state.Identity == nil || !(s.State == StateUnrecoverable || (s.State == StateReady && !s.HasProfile)) {
		return
	}
	m.beginEpoch(m.state.Identity)
}

// settleReady moves to Ready and arms the inactivity monitor.
func (m *Machine) settleReady(profile *users.Profile) {
	m.disarmSafetyNet()
	m.monitor.Start(m.state.Generation)
	next := m.state
	next.Status = Ready(profile != nil)
	next.Profile = profile
	m.publish(next)
}

func (m *Machine) profileFrom(doc docstore.Document) *users.Profile {
	p := users.ProfileFromDocument(m.state.Identity.ID, doc)
	if p.Email == "" {
		p.Email = m.state.Identity.Email
	}
	return &p
}

func (m *Machine) publish(s Snapshot) {
	m.state = s

	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	m.current = s
	for _, ch := range m.subscribers {
		select {
		case ch <- s:
		default:
			// Replace the unread value; the loop is the only sender.
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
	}
}

func (m *Machine) closeSubscribers() {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
}
