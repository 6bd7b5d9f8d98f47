// Package reconcile rebuilds a missing canonical profile from the role
// directories maintained by the portal's record-keeping screens.
package reconcile

import (
	"context"
	"errors"
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
	DefaultDeadline            = 5 * time.Second
	DefaultCanonicalCollection = "users"
)

// Directory is one role-specific collection searched during a restore.
type Directory struct {
	Collection string
	// RoleOf derives the canonical role from a matching entry.
	RoleOf func(entry docstore.Document) users.Role
}

// DefaultDirectories returns the search order: students, teachers, admins.
// A teachers entry whose own role field is "hod" restores as a head of
// department.
func DefaultDirectories() []Directory {
	return []Directory{
		{Collection: "students", RoleOf: fixedRole(users.RoleStudent)},
		{Collection: "teachers", RoleOf: func(entry docstore.Document) users.Role {
			if role, _ := entry[users.FieldRole].(string); role == string(users.RoleHOD) {
				return users.RoleHOD
			}
			return users.RoleTeacher
		}},
		{Collection: "admins", RoleOf: fixedRole(users.RoleAdmin)},
	}
}

func fixedRole(r users.Role) func(docstore.Document) users.Role {
	return func(docstore.Document) users.Role { return r }
}

// Engine searches the role directories and writes the restored profile back
// to the canonical collection.
type Engine struct {
	store       docstore.Store
	directories []Directory
	canonical   string
	deadline    time.Duration
	scheduler   timer.Scheduler
	nowTime     func() time.Time
	logger      zerolog.Logger
}

type Option func(*Engine)

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNowTime sets the clock used for restoredAt (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(e *Engine) {
		e.nowTime = nowFunc
	}
}

// WithScheduler sets the scheduler the restore deadline runs on.
func WithScheduler(s timer.Scheduler) Option {
	return func(e *Engine) {
		e.scheduler = s
	}
}

func WithDeadline(d time.Duration) Option {
	return func(e *Engine) {
		e.deadline = d
	}
}

func WithDirectories(directories ...Directory) Option {
	return func(e *Engine) {
		e.directories = directories
	}
}

func WithCanonicalCollection(collection string) Option {
	return func(e *Engine) {
		e.canonical = collection
	}
}

func New(store docstore.Store, options ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("[reconcile.New] store is required")
	}

	e := &Engine{
		store:       store,
		directories: DefaultDirectories(),
		canonical:   DefaultCanonicalCollection,
		deadline:    DefaultDeadline,
		scheduler:   timer.System(),
		logger:      log.Logger.With().Str("component", "reconcile").Logger(),
	}
	for _, opt := range options {
		opt(e)
	}
	if e.nowTime == nil {
		e.nowTime = e.scheduler.Now
	}

	if e.deadline <= 0 {
		return nil, errors.New("[reconcile.New] deadline must be positive")
	}
	if len(e.directories) == 0 {
		return nil, errors.New("[reconcile.New] at least one directory is required")
	}
	for _, d := range e.directories {
		if d.Collection == "" || d.RoleOf == nil {
			return nil, errors.New("[reconcile.New] directory needs a collection and a role mapping")
		}
	}
	return e, nil
}

type restoreResult struct {
	profile users.Profile
	err     error
}

// Deadline is the longest a single Restore runs before giving up.
func (e *Engine) Deadline() time.Duration {
	return e.deadline
}

// Restore searches the directories for ident and returns the reconstructed
// profile. It fails with ErrProfileNotFound when no directory holds the
// identity and ErrDeadlineExceeded when the search outlives the deadline.
// Cancelling ctx abandons the search and returns ctx's error.
func (e *Engine) Restore(ctx context.Context, ident identity.Identity) (users.Profile, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	deadline := timer.AfterFunc(ctx, e.scheduler, e.deadline, func() {
		cancel(apperrors.ErrDeadlineExceeded)
	})
	defer deadline.Stop()

	results := make(chan restoreResult, 1)
	go func() {
		p, err := e.search(ctx, ident)
		results <- restoreResult{profile: p, err: err}
	}()

	select {
	case r := <-results:
		return r.profile, r.err
	case <-ctx.Done():
		cause := context.Cause(ctx)
		if errors.Is(cause, apperrors.ErrDeadlineExceeded) {
			e.logger.Warn().Str("uid", ident.ID).Dur("deadline", e.deadline).Msg("profile restore timed out")
			return users.Profile{}, apperrors.ErrDeadlineExceeded
		}
		return users.Profile{}, cause
	}
}

func (e *Engine) search(ctx context.Context, ident identity.Identity) (users.Profile, error) {
	for _, dir := range e.directories {
		entry, ok, err := e.store.GetOnce(ctx, dir.Collection, ident.ID)
		if ctx.Err() != nil {
			return users.Profile{}, context.Cause(ctx)
		}
		if err != nil {
			e.logger.Warn().Err(err).Str("uid", ident.ID).Str("directory", dir.Collection).Msg("directory lookup failed, continuing")
			continue
		}
		if !ok {
			continue
		}

		p := e.buildProfile(ident, dir.RoleOf(entry), entry)
		e.logger.Info().Str("uid", ident.ID).Str("directory", dir.Collection).Str("role", p.Role.String()).Msg("restoring canonical profile")

		if err := e.store.UpsertMerge(ctx, e.canonical, ident.ID, p.Document()); err != nil {
			// The restored profile still settles the session; the canonical
			// write is retried on the next sign-in.
			e.logger.Err(err).Str("uid", ident.ID).Msg("writing restored profile")
		}
		return p, nil
	}

	e.logger.Error().Str("uid", ident.ID).Msg("identity not found in any directory")
	return users.Profile{}, apperrors.ErrProfileNotFound
}

func (e *Engine) buildProfile(ident identity.Identity, role users.Role, entry docstore.Document) users.Profile {
	return users.Profile{
		ID:         ident.ID,
		Email:      ident.Email,
		Role:       role,
		Phone:      stringOf(entry, users.FieldPhone),
		PhotoURL:   stringOf(entry, users.FieldPhotoURL),
		Name:       stringOf(entry, users.FieldName),
		RestoredAt: utils.Ptr(e.nowTime().UTC().Truncate(time.Second)),
	}
}

func stringOf(entry docstore.Document, key string) string {
	s, _ := entry[key].(string)
	return s
}
