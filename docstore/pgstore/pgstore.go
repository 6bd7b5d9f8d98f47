// Package pgstore is a docstore.Store on PostgreSQL. Documents live in a jsonb
// column, merges use jsonb concatenation and LISTEN/NOTIFY carries change
// notifications between processes.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jrsteele09/portal-session/docstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var _ docstore.Store = (*Store)(nil)

const (
	notifyChannel  = "docstore_changes"
	listenBackoff  = time.Second
	payloadDivider = "\x1f"
)

type Store struct {
	pool   *pgxpool.Pool
	hub    *docstore.Hub
	logger zerolog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Store)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New migrates the schema and starts the change listener. Close stops it.
func New(ctx context.Context, pool *pgxpool.Pool, options ...Option) (*Store, error) {
	if pool == nil {
		return nil, errors.New("[pgstore.New] pool is required")
	}

	s := &Store{
		pool:   pool,
		hub:    docstore.NewHub(),
		logger: log.Logger.With().Str("component", "pgstore").Logger(),
		done:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("postgres: running migrations: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.listen(listenCtx)
	return s, nil
}

// Close stops the listener. The pool belongs to the caller.
func (s *Store) Close() {
	s.cancel()
	<-s.done
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			key        TEXT NOT NULL,
			data       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, key)
		)
	`)
	return err
}

func (s *Store) listen(ctx context.Context) {
	defer close(s.done)
	for {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn().Err(err).Msg("change listener disconnected, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(listenBackoff):
		}
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		collection, key, ok := strings.Cut(n.Payload, payloadDivider)
		if !ok {
			continue
		}
		s.hub.Publish(collection, key)
	}
}

func (s *Store) Subscribe(ctx context.Context, collection, key string) (<-chan docstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	changes, release := s.hub.Watch(collection, key)
	return docstore.Follow(ctx, changes, release, func(ctx context.Context) (docstore.Document, bool, error) {
		return s.GetOnce(ctx, collection, key)
	}), nil
}

func (s *Store) GetOnce(ctx context.Context, collection, key string) (docstore.Document, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND key = $2`,
		collection, key,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: reading %s/%s: %w", collection, key, err)
	}

	doc, err := docstore.Decode(data)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (s *Store) UpsertMerge(ctx context.Context, collection, key string, partial docstore.Document) error {
	encoded, err := docstore.Encode(partial)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO documents (collection, key, data) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, key)
		DO UPDATE SET data = documents.data || excluded.data, updated_at = now()
	`, collection, key, string(encoded))
	if err != nil {
		return fmt.Errorf("postgres: writing %s/%s: %w", collection, key, err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, collection+payloadDivider+key); err != nil {
		return fmt.Errorf("postgres: notifying %s/%s: %w", collection, key, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: committing: %w", err)
	}
	return nil
}
