// Package sqlitestore is a docstore.Store on an embedded SQLite database.
// Documents are stored as JSON text. Change notification is in-process, so a
// database file should be written by one process at a time.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jrsteele09/portal-session/docstore"

	_ "modernc.org/sqlite"
)

var _ docstore.Store = (*Store)(nil)

type Store struct {
	conn *sql.DB
	hub  *docstore.Hub
}

// New opens (creating if needed) the database at dbPath and runs migrations.
// ":memory:" is accepted.
func New(dbPath string) (*Store, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serialises writers.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	s := &Store{conn: conn, hub: docstore.NewHub()}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			key        TEXT NOT NULL,
			data       TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (collection, key)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating documents table: %w", err)
	}
	return nil
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
	var data string
	err := s.conn.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND key = ?`,
		collection, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: reading %s/%s: %w", collection, key, err)
	}

	doc, err := docstore.Decode([]byte(data))
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (s *Store) UpsertMerge(ctx context.Context, collection, key string, partial docstore.Document) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var existing docstore.Document
	var data string
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND key = ?`,
		collection, key,
	).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("sqlite: reading %s/%s: %w", collection, key, err)
	default:
		if existing, err = docstore.Decode([]byte(data)); err != nil {
			return err
		}
	}

	encoded, err := docstore.Encode(docstore.Merge(existing, partial))
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (collection, key, data) VALUES (?, ?, ?)
		ON CONFLICT (collection, key) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP
	`, collection, key, string(encoded))
	if err != nil {
		return fmt.Errorf("sqlite: writing %s/%s: %w", collection, key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing: %w", err)
	}

	s.hub.Publish(collection, key)
	return nil
}
