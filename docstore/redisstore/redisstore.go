// Package redisstore is a docstore.Store on Redis. Each document is a JSON
// string key and every write publishes on a per-document channel, so
// subscribers in any process see changes.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jrsteele09/portal-session/docstore"
	"github.com/redis/go-redis/v9"
)

var _ docstore.Store = (*Store)(nil)

const (
	keyPrefix     = "doc:"
	channelPrefix = "docchange:"
	maxRetries    = 5
)

type Store struct {
	client *redis.Client
}

func New(client *redis.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("[redisstore.New] client is required")
	}
	return &Store{client: client}, nil
}

func documentKey(collection, key string) string {
	return keyPrefix + collection + ":" + key
}

func changeChannel(collection, key string) string {
	return channelPrefix + collection + ":" + key
}

func (s *Store) Subscribe(ctx context.Context, collection, key string) (<-chan docstore.Snapshot, error) {
	pubsub := s.client.Subscribe(ctx, changeChannel(collection, key))
	// Wait for the subscription to be confirmed so no write between here and
	// the initial read goes unnoticed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribing to %s/%s: %w", collection, key, err)
	}

	messages := pubsub.Channel()
	changes := make(chan struct{}, 1)
	go func() {
		defer close(changes)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				select {
				case changes <- struct{}{}:
				default:
				}
			}
		}
	}()

	release := func() { _ = pubsub.Close() }
	return docstore.Follow(ctx, changes, release, func(ctx context.Context) (docstore.Document, bool, error) {
		return s.GetOnce(ctx, collection, key)
	}), nil
}

func (s *Store) GetOnce(ctx context.Context, collection, key string) (docstore.Document, bool, error) {
	value, err := s.client.Get(ctx, documentKey(collection, key)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: reading %s/%s: %w", collection, key, err)
	}

	doc, err := docstore.Decode([]byte(value))
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// UpsertMerge performs an optimistic read-merge-write under WATCH and retries
// when a concurrent writer wins.
func (s *Store) UpsertMerge(ctx context.Context, collection, key string, partial docstore.Document) error {
	docKey := documentKey(collection, key)

	txf := func(tx *redis.Tx) error {
		var existing docstore.Document
		value, err := tx.Get(ctx, docKey).Result()
		switch {
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			if existing, err = docstore.Decode([]byte(value)); err != nil {
				return err
			}
		}

		encoded, err := docstore.Encode(docstore.Merge(existing, partial))
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, docKey, string(encoded), 0)
			pipe.Publish(ctx, changeChannel(collection, key), "changed")
			return nil
		})
		return err
	}

	for i := 0; i < maxRetries; i++ {
		err := s.client.Watch(ctx, txf, docKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("redis: writing %s/%s: %w", collection, key, err)
	}
	return fmt.Errorf("redis: writing %s/%s: too much contention", collection, key)
}
