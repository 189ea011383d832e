package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/xid"

	"teamchat/internal/docstore"
)

var _ docstore.Store = (*Store)(nil)

// Subscribe streams the collection to onChange until ctx ends or the returned
// func is called. Every committed write to the collection triggers a fresh
// snapshot.
func (s *Store) Subscribe(ctx context.Context, collection string, onChange func([]docstore.Document)) (docstore.Unsubscribe, error) {
	if !docstore.ValidName(collection) {
		return nil, fmt.Errorf("subscribe %q: %w", collection, docstore.ErrInvalid)
	}
	unsub, err := s.feed.Subscribe(collection, onChange, func() ([]docstore.Document, error) {
		return s.listDocuments(context.Background(), collection)
	})
	if err != nil {
		return nil, err
	}
	return docstore.BindContext(ctx, unsub), nil
}

// Get fetches one document. docstore.ErrNotFound is returned when it does not exist.
func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, kind, fields FROM documents WHERE collection = ? AND id = ?`, collection, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.Document{}, fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	return doc, err
}

// Update merges fields into an existing document.
func (s *Store) Update(ctx context.Context, collection, id string, fields docstore.Fields) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT fields FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	if err != nil {
		return err
	}
	current, err := decodeFields(raw)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(current.Merge(fields))
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE documents SET fields = ?, updated_at = CURRENT_TIMESTAMP WHERE collection = ? AND id = ?`,
		string(encoded), collection, id); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	return s.publish(collection)
}

// QueryByField returns every document of the collection whose field equals
// value, in insertion order.
func (s *Store) QueryByField(ctx context.Context, collection, field string, value any) ([]docstore.Document, error) {
	if !docstore.ValidName(field) {
		return nil, fmt.Errorf("query field %q: %w", field, docstore.ErrInvalid)
	}
	path := `$."` + field + `"`
	var (
		rows *sql.Rows
		err  error
	)
	switch v := value.(type) {
	case nil:
		rows, err = s.db.QueryContext(ctx, `SELECT id, kind, fields FROM documents
			WHERE collection = ? AND json_extract(fields, ?) IS NULL ORDER BY seq`, collection, path)
	case bool:
		// JSON booleans come out of json_extract as 0 and 1
		n := 0
		if v {
			n = 1
		}
		rows, err = s.db.QueryContext(ctx, `SELECT id, kind, fields FROM documents
			WHERE collection = ? AND json_type(fields, ?) IN ('true', 'false') AND json_extract(fields, ?) = ? ORDER BY seq`,
			collection, path, path, n)
	case json.Number:
		f, convErr := v.Float64()
		if convErr != nil {
			return nil, fmt.Errorf("query %s by %s: %w", collection, field, docstore.ErrInvalid)
		}
		rows, err = s.db.QueryContext(ctx, `SELECT id, kind, fields FROM documents
			WHERE collection = ? AND json_extract(fields, ?) = ? ORDER BY seq`, collection, path, f)
	case string, int, int32, int64, float32, float64:
		rows, err = s.db.QueryContext(ctx, `SELECT id, kind, fields FROM documents
			WHERE collection = ? AND json_extract(fields, ?) = ? ORDER BY seq`, collection, path, value)
	default:
		return nil, fmt.Errorf("query %s by %s: unsupported value type %T: %w", collection, field, value, docstore.ErrInvalid)
	}
	if err != nil {
		return nil, err
	}
	return collectDocuments(rows)
}

// Add inserts a document under a fresh id.
func (s *Store) Add(ctx context.Context, collection string, kind docstore.Kind, fields docstore.Fields) (docstore.Document, error) {
	if kind == "" {
		return docstore.Document{}, fmt.Errorf("add to %q: kind: %w", collection, docstore.ErrInvalid)
	}
	doc := docstore.Document{ID: xid.New().String(), Kind: kind, Fields: fields}
	if err := s.Put(ctx, collection, doc); err != nil {
		return docstore.Document{}, err
	}
	return doc.Clone(), nil
}

// Put stores doc under its own id, replacing any previous version. Seeding
// uses it when ids must be preserved, such as the guest account.
func (s *Store) Put(ctx context.Context, collection string, doc docstore.Document) error {
	if !docstore.ValidName(collection) || !docstore.ValidName(doc.ID) {
		return fmt.Errorf("put into %q: %w", collection, docstore.ErrInvalid)
	}
	fields := doc.Fields
	if fields == nil {
		fields = docstore.Fields{}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, doc.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO documents(collection, id, kind, fields) VALUES(?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET kind = excluded.kind, fields = excluded.fields, updated_at = CURRENT_TIMESTAMP`,
		collection, doc.ID, string(doc.Kind), string(encoded))
	if err != nil {
		return err
	}
	return s.publish(collection)
}

// Collections lists the names of every collection holding documents.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT collection FROM documents ORDER BY collection`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Subscribers returns the number of live subscriptions on collection.
func (s *Store) Subscribers(collection string) int {
	return s.feed.Subscribers(collection)
}

func (s *Store) publish(collection string) error {
	return s.feed.Publish(collection, func() ([]docstore.Document, error) {
		return s.listDocuments(context.Background(), collection)
	})
}

func (s *Store) listDocuments(ctx context.Context, collection string) ([]docstore.Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, fields FROM documents WHERE collection = ? ORDER BY seq`, collection)
	if err != nil {
		return nil, err
	}
	return collectDocuments(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (docstore.Document, error) {
	var (
		doc  docstore.Document
		kind string
		raw  string
	)
	if err := row.Scan(&doc.ID, &kind, &raw); err != nil {
		return docstore.Document{}, err
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return docstore.Document{}, fmt.Errorf("decode %s: %w", doc.ID, err)
	}
	doc.Kind = docstore.Kind(kind)
	doc.Fields = fields
	return doc, nil
}

func collectDocuments(rows *sql.Rows) ([]docstore.Document, error) {
	defer rows.Close()
	docs := []docstore.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func decodeFields(raw string) (docstore.Fields, error) {
	fields := docstore.Fields{}
	if raw == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
