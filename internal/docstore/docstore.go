// Package docstore defines the document store collaborator the chat client is
// built on: collections of kind-tagged documents with partial updates, field
// queries and push notification of collection snapshots.
package docstore

import (
	"context"
	"errors"
	"regexp"
)

// Kind tags every stored document with the entity it represents.
type Kind string

const (
	KindUser          Kind = "user"
	KindChannel       Kind = "channel"
	KindMessage       Kind = "message"
	KindDirectMessage Kind = "direct_message"
	KindThread        Kind = "thread"
)

// Well-known collection names.
const (
	CollectionUsers          = "users"
	CollectionChannels       = "channels"
	CollectionMessages       = "messages"
	CollectionDirectMessages = "directMessages"
)

// Fields holds the document payload. Partial updates merge at the top level.
type Fields map[string]any

// Document is a single record of a collection.
type Document struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	Fields Fields `json:"fields"`
}

// Unsubscribe stops a collection subscription. Calling it more than once is a no-op.
type Unsubscribe func()

var (
	// ErrNotFound is returned when the requested document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrInvalid is returned for malformed collection names, ids or fields.
	ErrInvalid = errors.New("invalid document request")
	// ErrConflict is returned when a write lost against concurrent writers.
	ErrConflict = errors.New("conflicting write")
	// ErrUnavailable is returned when the backend cannot be reached.
	ErrUnavailable = errors.New("document store unavailable")
)

// Store is the document store contract.
//
// Subscribe delivers the current collection snapshot right away and then again
// after every change, until the returned Unsubscribe is called or ctx ends.
// Callbacks of one subscription never run concurrently. Snapshots may be shared
// between subscribers and must be treated as read-only.
//
// QueryByField with a nil value matches documents where the field is null as
// well as documents that lack it.
type Store interface {
	Subscribe(ctx context.Context, collection string, onChange func([]Document)) (Unsubscribe, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	Update(ctx context.Context, collection, id string, fields Fields) error
	QueryByField(ctx context.Context, collection, field string, value any) ([]Document, error)
	Add(ctx context.Context, collection string, kind Kind, fields Fields) (Document, error)
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidName reports whether s is usable as a collection name, document id or
// queried field name.
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// Clone returns a copy of the document whose Fields map can be mutated freely.
func (d Document) Clone() Document {
	out := Document{ID: d.ID, Kind: d.Kind, Fields: make(Fields, len(d.Fields))}
	for k, v := range d.Fields {
		out.Fields[k] = v
	}
	return out
}

// Merge applies a partial update on top of the current fields.
func (f Fields) Merge(update Fields) Fields {
	out := make(Fields, len(f)+len(update))
	for k, v := range f {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}
