package docstore

import (
	"context"
	"sync"
)

// Hub fans change notifications for individual documents out to watchers in
// the same process. Notifications carry no payload; watchers re-read.
type Hub struct {
	mu       sync.Mutex
	nextID   uint64
	watchers map[string]map[uint64]chan struct{}
}

func NewHub() *Hub {
	return &Hub{watchers: make(map[string]map[uint64]chan struct{})}
}

// Watch registers interest in a document. Bursts of Publish calls coalesce
// into a single pending signal. The returned func unregisters.
func (h *Hub) Watch(collection, key string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	name := hubKey(collection, key)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.watchers[name] == nil {
		h.watchers[name] = make(map[uint64]chan struct{})
	}
	h.watchers[name][id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.watchers[name], id)
			if len(h.watchers[name]) == 0 {
				delete(h.watchers, name)
			}
		})
	}
}

func (h *Hub) Publish(collection, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.watchers[hubKey(collection, key)] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// FetchFunc reads the current state of one document.
type FetchFunc func(ctx context.Context) (doc Document, ok bool, err error)

// Follow turns a change signal channel into a Snapshot stream. It reads once
// immediately and again after every signal, suppressing reads that observe
// nothing new. release is called when the stream ends.
func Follow(ctx context.Context, changes <-chan struct{}, release func(), fetch FetchFunc) <-chan Snapshot {
	out := make(chan Snapshot, 1)

	go func() {
		defer close(out)
		defer release()

		var last *Snapshot
		emit := func() bool {
			doc, ok, err := fetch(ctx)
			if ctx.Err() != nil {
				return false
			}
			snap := Snapshot{Exists: ok, Data: doc, Err: err}
			if err == nil && last != nil && sameSnapshot(*last, snap) {
				return true
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return false
			}
			last = &snap
			return err == nil
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, open := <-changes:
				if !open {
					return
				}
				if !emit() {
					return
				}
			}
		}
	}()

	return out
}

func sameSnapshot(a, b Snapshot) bool {
	if a.Exists != b.Exists {
		return false
	}
	if !a.Exists {
		return true
	}
	ea, errA := Encode(a.Data)
	eb, errB := Encode(b.Data)
	return errA == nil && errB == nil && string(ea) == string(eb)
}

func hubKey(collection, key string) string {
	return collection + "/" + key
}
