package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/xid"
)

// Memory is an in-process Store. Documents are kept in insertion order so
// snapshots and query results have a stable scan order.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	feed        *Feed
}

type memCollection struct {
	order []string
	docs  map[string]Document
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]*memCollection),
		feed:        NewFeed(),
	}
}

func (m *Memory) Subscribe(ctx context.Context, collection string, onChange func([]Document)) (Unsubscribe, error) {
	if !ValidName(collection) {
		return nil, fmt.Errorf("subscribe %q: %w", collection, ErrInvalid)
	}
	unsub, err := m.feed.Subscribe(collection, onChange, func() ([]Document, error) {
		return m.snapshot(collection), nil
	})
	if err != nil {
		return nil, err
	}
	return BindContext(ctx, unsub), nil
}

func (m *Memory) Get(_ context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	coll, ok := m.collections[collection]
	if !ok {
		return Document{}, ErrNotFound
	}
	doc, ok := coll.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc.Clone(), nil
}

func (m *Memory) Update(_ context.Context, collection, id string, fields Fields) error {
	m.mu.Lock()
	coll, ok := m.collections[collection]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	doc, ok := coll.docs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	doc.Fields = doc.Fields.Merge(fields)
	coll.docs[id] = doc
	m.mu.Unlock()
	return m.publish(collection)
}

func (m *Memory) QueryByField(_ context.Context, collection, field string, value any) ([]Document, error) {
	var out []Document
	for _, doc := range m.snapshot(collection) {
		// A missing field reads as nil.
		if Equal(doc.Fields[field], value) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (m *Memory) Add(_ context.Context, collection string, kind Kind, fields Fields) (Document, error) {
	if !ValidName(collection) || kind == "" {
		return Document{}, fmt.Errorf("add to %q: %w", collection, ErrInvalid)
	}
	doc := Document{ID: xid.New().String(), Kind: kind, Fields: Fields{}.Merge(fields)}
	m.mu.Lock()
	coll, ok := m.collections[collection]
	if !ok {
		coll = &memCollection{docs: make(map[string]Document)}
		m.collections[collection] = coll
	}
	coll.order = append(coll.order, doc.ID)
	coll.docs[doc.ID] = doc
	m.mu.Unlock()
	if err := m.publish(collection); err != nil {
		return Document{}, err
	}
	return doc.Clone(), nil
}

// Put stores doc under its own id, replacing any previous version. Fixtures
// and imports use it when ids must be preserved.
func (m *Memory) Put(_ context.Context, collection string, doc Document) error {
	if !ValidName(collection) || !ValidName(doc.ID) {
		return fmt.Errorf("put into %q: %w", collection, ErrInvalid)
	}
	m.mu.Lock()
	coll, ok := m.collections[collection]
	if !ok {
		coll = &memCollection{docs: make(map[string]Document)}
		m.collections[collection] = coll
	}
	if _, exists := coll.docs[doc.ID]; !exists {
		coll.order = append(coll.order, doc.ID)
	}
	coll.docs[doc.ID] = doc.Clone()
	m.mu.Unlock()
	return m.publish(collection)
}

func (m *Memory) publish(collection string) error {
	return m.feed.Publish(collection, func() ([]Document, error) {
		return m.snapshot(collection), nil
	})
}

func (m *Memory) snapshot(collection string) []Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	coll, ok := m.collections[collection]
	if !ok {
		return []Document{}
	}
	out := make([]Document, 0, len(coll.order))
	for _, id := range coll.order {
		out = append(out, coll.docs[id].Clone())
	}
	return out
}

// BindContext ties a subscription to ctx as well as to the returned func:
// whichever happens first stops it.
func BindContext(ctx context.Context, unsub Unsubscribe) Unsubscribe {
	var once sync.Once
	stopped := make(chan struct{})
	stop := func() {
		once.Do(func() {
			close(stopped)
			unsub()
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				stop()
			case <-stopped:
			}
		}()
	}
	return stop
}
