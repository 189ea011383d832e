package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"teamchat/internal/docstore"
)

func TestDocumentAddGetUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc, err := store.Add(ctx, docstore.CollectionUsers, docstore.KindUser, docstore.Fields{"name": "Ada", "email": "ada@example.com"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !docstore.ValidName(doc.ID) {
		t.Fatalf("store assigned invalid id %q", doc.ID)
	}

	beat := time.UnixMilli(1700000000000)
	if err := store.Update(ctx, docstore.CollectionUsers, doc.ID, docstore.Fields{"online": docstore.Timestamp(beat)}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.Get(ctx, docstore.CollectionUsers, doc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Kind != docstore.KindUser || got.Fields.String("name") != "Ada" {
		t.Fatalf("unexpected document: %+v", got)
	}
	ts, ok := got.Fields.Time("online")
	if !ok || !ts.Equal(beat) {
		t.Fatalf("heartbeat not stored: %v %v", ts, ok)
	}
}

func TestDocumentMissing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, docstore.CollectionUsers, "nope"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("Get: expected ErrNotFound, got %v", err)
	}
	if err := store.Update(ctx, docstore.CollectionUsers, "nope", docstore.Fields{"a": 1}); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("Update: expected ErrNotFound, got %v", err)
	}
}

func TestDocumentQueryByField(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, fields := range []docstore.Fields{
		{"email": "a@example.com", "age": 3, "admin": true},
		{"email": "b@example.com", "age": 4, "admin": false},
		{"email": "c@example.com", "age": "3"},
	} {
		if _, err := store.Add(ctx, docstore.CollectionUsers, docstore.KindUser, fields); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	found, err := store.QueryByField(ctx, docstore.CollectionUsers, "email", "b@example.com")
	if err != nil || len(found) != 1 || found[0].Fields.String("email") != "b@example.com" {
		t.Fatalf("query by email: %v %+v", err, found)
	}
	byNumber, err := store.QueryByField(ctx, docstore.CollectionUsers, "age", float64(3))
	if err != nil || len(byNumber) != 1 || byNumber[0].Fields.String("email") != "a@example.com" {
		t.Fatalf("query by number: %v %+v", err, byNumber)
	}
	byBool, err := store.QueryByField(ctx, docstore.CollectionUsers, "admin", false)
	if err != nil || len(byBool) != 1 || byBool[0].Fields.String("email") != "b@example.com" {
		t.Fatalf("query by bool: %v %+v", err, byBool)
	}
	none, err := store.QueryByField(ctx, "empty", "email", "x")
	if err != nil || len(none) != 0 {
		t.Fatalf("query empty collection: %v %+v", err, none)
	}
	if _, err := store.QueryByField(ctx, docstore.CollectionUsers, `x") OR 1=1 --`, "x"); !errors.Is(err, docstore.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for bad field name, got %v", err)
	}
}

func TestDocumentQueryByNilMatchesAbsentField(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, fields := range []docstore.Fields{
		{"email": "a@example.com", "online": nil},
		{"email": "b@example.com"},
		{"email": "c@example.com", "online": 1},
	} {
		if _, err := store.Add(ctx, docstore.CollectionUsers, docstore.KindUser, fields); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	found, err := store.QueryByField(ctx, docstore.CollectionUsers, "online", nil)
	if err != nil || len(found) != 2 {
		t.Fatalf("QueryByField nil: %v %+v", err, found)
	}
	if found[0].Fields.String("email") != "a@example.com" || found[1].Fields.String("email") != "b@example.com" {
		t.Fatalf("unexpected order: %+v", found)
	}
}

func TestDocumentAddRejectsEmptyKind(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Add(context.Background(), docstore.CollectionUsers, "", docstore.Fields{"name": "x"}); !errors.Is(err, docstore.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	names, err := store.Collections(context.Background())
	if err != nil || len(names) != 0 {
		t.Fatalf("rejected add left data behind: %v %v", err, names)
	}
}

func TestDocumentPutKeepsIDAndOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		if err := store.Put(ctx, docstore.CollectionUsers, docstore.Document{ID: id, Kind: docstore.KindUser}); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}
	if err := store.Put(ctx, docstore.CollectionUsers, docstore.Document{ID: "a", Kind: docstore.KindUser, Fields: docstore.Fields{"name": "again"}}); err != nil {
		t.Fatalf("Put again: %v", err)
	}
	docs, err := store.listDocuments(ctx, docstore.CollectionUsers)
	if err != nil {
		t.Fatalf("listDocuments: %v", err)
	}
	var ids []string
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	if len(ids) != 3 || ids[0] != "b" || ids[1] != "a" || ids[2] != "c" {
		t.Fatalf("unexpected order: %v", ids)
	}
	if docs[1].Fields.String("name") != "again" {
		t.Fatalf("replace did not apply: %+v", docs[1])
	}

	names, err := store.Collections(ctx)
	if err != nil || len(names) != 1 || names[0] != docstore.CollectionUsers {
		t.Fatalf("Collections: %v %v", names, err)
	}
}

func TestDocumentSubscribe(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots := make(chan []docstore.Document, 8)
	if _, err := store.Subscribe(ctx, docstore.CollectionUsers, func(docs []docstore.Document) {
		snapshots <- docs
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if initial := waitSnapshot(t, snapshots); len(initial) != 0 {
		t.Fatalf("expected empty initial snapshot, got %d docs", len(initial))
	}

	doc, err := store.Add(context.Background(), docstore.CollectionUsers, docstore.KindUser, docstore.Fields{"name": "Ada"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := store.Update(context.Background(), docstore.CollectionUsers, doc.ID, docstore.Fields{"online": int64(5)}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case docs := <-snapshots:
			if len(docs) == 1 && docs[0].Fields["online"] != nil {
				return
			}
		case <-deadline:
			t.Fatalf("update never reached the subscriber")
		}
	}
}

func TestDocumentSubscribersFollowContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	unsub, err := store.Subscribe(context.Background(), docstore.CollectionUsers, func([]docstore.Document) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := store.Subscribe(ctx, docstore.CollectionUsers, func([]docstore.Document) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if n := store.Subscribers(docstore.CollectionUsers); n != 2 {
		t.Fatalf("expected 2 subscribers, got %d", n)
	}
	unsub()
	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for store.Subscribers(docstore.CollectionUsers) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers left: %d", store.Subscribers(docstore.CollectionUsers))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDocumentSubscribeRejectsBadCollection(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Subscribe(context.Background(), "../users", func([]docstore.Document) {}); !errors.Is(err, docstore.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func waitSnapshot(t *testing.T, ch <-chan []docstore.Document) []docstore.Document {
	t.Helper()
	select {
	case docs := <-ch:
		return docs
	case <-time.After(2 * time.Second):
		t.Fatalf("no snapshot delivered")
		return nil
	}
}
