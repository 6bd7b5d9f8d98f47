// Package docstore describes the document store the session engine reads
// profiles from: keyed JSON-like documents grouped into collections, with
// point reads, merge writes and live per-document subscriptions.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
)

// Document is a schemaless record.
type Document map[string]any

// Clone returns a shallow copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return maps.Clone(d)
}

// Merge returns a new document holding existing overlaid with partial.
// Fields absent from partial are preserved.
func Merge(existing, partial Document) Document {
	out := make(Document, len(existing)+len(partial))
	maps.Copy(out, existing)
	maps.Copy(out, partial)
	return out
}

// Snapshot is one observation of a subscribed document. A Snapshot with a
// non-nil Err is the last value on its channel.
type Snapshot struct {
	Exists bool
	Data   Document
	Err    error
}

type Store interface {
	// Subscribe delivers the document's current state followed by every
	// subsequent change until ctx is cancelled, after which the channel closes.
	Subscribe(ctx context.Context, collection, key string) (<-chan Snapshot, error)
	// GetOnce reads the document. ok is false when it does not exist.
	GetOnce(ctx context.Context, collection, key string) (doc Document, ok bool, err error)
	// UpsertMerge creates the document or merges partial into it.
	UpsertMerge(ctx context.Context, collection, key string, partial Document) error
}

// Encode serialises a document for backends that store JSON text.
func Encode(d Document) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("docstore: encoding document: %w", err)
	}
	return data, nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("docstore: decoding document: %w", err)
	}
	if d == nil {
		d = Document{}
	}
	return d, nil
}
