package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAccountLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateAccount(ctx, "Alice@Example.com ", []byte("hash")); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := store.CreateAccount(ctx, "alice@example.com", []byte("hash2")); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}

	acc, err := store.GetAccountByEmail(ctx, "ALICE@example.com")
	if err != nil {
		t.Fatalf("GetAccountByEmail: %v", err)
	}
	if acc == nil || acc.Email != "alice@example.com" || string(acc.PasswordHash) != "hash" {
		t.Fatalf("unexpected account: %+v", acc)
	}

	if err := store.UpdatePassword(ctx, "alice@example.com", []byte("new")); err != nil {
		t.Fatalf("UpdatePassword: %v", err)
	}
	acc, err = store.GetAccountByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetAccountByEmail after update: %v", err)
	}
	if string(acc.PasswordHash) != "new" {
		t.Fatalf("password hash not updated: %q", acc.PasswordHash)
	}

	missing, err := store.GetAccountByEmail(ctx, "nobody@example.com")
	if err != nil || missing != nil {
		t.Fatalf("expected (nil, nil) for missing account, got (%+v, %v)", missing, err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	exp := time.Now().Add(time.Hour)
	if err := store.CreateSession(ctx, "Bob@example.com", "token123", exp); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	session, err := store.GetSession(ctx, "token123")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session == nil || session.Email != "bob@example.com" {
		t.Fatalf("unexpected session: %+v", session)
	}
	if err := store.DeleteSession(ctx, "token123"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	session, err = store.GetSession(ctx, "token123")
	if err != nil {
		t.Fatalf("GetSession after delete: %v", err)
	}
	if session != nil {
		t.Fatalf("expected nil session after delete")
	}
}

func TestDeleteExpiredSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.CreateSession(ctx, "a@example.com", "old", now.Add(-time.Minute)); err != nil {
		t.Fatalf("CreateSession old: %v", err)
	}
	if err := store.CreateSession(ctx, "a@example.com", "fresh", now.Add(time.Hour)); err != nil {
		t.Fatalf("CreateSession fresh: %v", err)
	}
	removed, err := store.DeleteExpiredSessions(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredSessions: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 expired session removed, got %d", removed)
	}
	if sess, _ := store.GetSession(ctx, "fresh"); sess == nil {
		t.Fatalf("fresh session was removed")
	}
}

func TestBuildDSN(t *testing.T) {
	cases := map[string]string{
		"chat.db":                       "file:chat.db?_pragma=busy_timeout=5000&_pragma=foreign_keys=ON",
		"sqlite://file:x?mode=memory":   "file:x?mode=memory&_pragma=busy_timeout=5000&_pragma=foreign_keys=ON",
		":memory:":                      ":memory:?_pragma=busy_timeout=5000&_pragma=foreign_keys=ON",
		"file:/var/lib/teamchat/data.db": "file:/var/lib/teamchat/data.db?_pragma=busy_timeout=5000&_pragma=foreign_keys=ON",
	}
	for in, want := range cases {
		if got := buildDSN(in); got != want {
			t.Errorf("buildDSN(%q) = %q, want %q", in, got, want)
		}
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := "sqlite://file:" + t.Name() + "?mode=memory&cache=shared"
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}
