// Package memstore is an in-memory docstore.Store. It is the default driver
// in development and the backing store for most tests.
package memstore

import (
	"context"
	"sync"

	"github.com/jrsteele09/portal-session/docstore"
	apperrors "github.com/jrsteele09/portal-session/internal/errors"
)

var _ docstore.Store = (*Store)(nil)

type Store struct {
	lock        sync.RWMutex
	collections map[string]map[string]docstore.Document
	failures    map[string]error // collection -> error returned by reads
	hub         *docstore.Hub
}

func New() *Store {
	return &Store{
		collections: make(map[string]map[string]docstore.Document),
		failures:    make(map[string]error),
		hub:         docstore.NewHub(),
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
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	if err := s.failures[collection]; err != nil {
		return nil, false, err
	}
	doc, ok := s.collections[collection][key]
	if !ok {
		return nil, false, nil
	}
	return doc.Clone(), true, nil
}

func (s *Store) UpsertMerge(ctx context.Context, collection, key string, partial docstore.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.lock.Lock()
	if err := s.failures[collection]; err != nil {
		s.lock.Unlock()
		return err
	}
	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]docstore.Document)
	}
	s.collections[collection][key] = docstore.Merge(s.collections[collection][key], partial)
	s.lock.Unlock()

	s.hub.Publish(collection, key)
	return nil
}

// Put replaces a document wholesale.
func (s *Store) Put(collection, key string, doc docstore.Document) {
	s.lock.Lock()
	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]docstore.Document)
	}
	s.collections[collection][key] = doc.Clone()
	s.lock.Unlock()

	s.hub.Publish(collection, key)
}

// Delete removes a document. The session engine never deletes; this exists
// for administrative tooling and tests.
func (s *Store) Delete(collection, key string) error {
	s.lock.Lock()
	if _, ok := s.collections[collection][key]; !ok {
		s.lock.Unlock()
		return apperrors.ErrNotFound
	}
	delete(s.collections[collection], key)
	s.lock.Unlock()

	s.hub.Publish(collection, key)
	return nil
}

// FailCollection makes every read and write against collection return err.
// A nil err clears the failure.
func (s *Store) FailCollection(collection string, err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err == nil {
		delete(s.failures, collection)
		return
	}
	s.failures[collection] = err
}
