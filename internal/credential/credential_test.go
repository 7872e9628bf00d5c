package credential

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStoreLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets", "credentials.db")
	store, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("open credential store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	exerciseStore(t, store)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat credential file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 permissions, got %o", perm)
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.db")
	ctx := context.Background()

	store, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open credential store: %v", err)
	}
	if err := store.Store(ctx, "p1", "sk-one"); err != nil {
		t.Fatalf("store: %v", err)
	}
	_ = store.Close()

	reopened, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen credential store: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	got, err := reopened.Retrieve(ctx, "p1")
	if err != nil || got != "sk-one" {
		t.Fatalf("expected persisted secret, got %q err=%v", got, err)
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Retrieve(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Store(ctx, "p1", "sk-one"); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.Store(ctx, "p1", "sk-two"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := store.Retrieve(ctx, "p1")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got != "sk-two" {
		t.Fatalf("expected overwritten secret, got %q", got)
	}
	if err := store.Delete(ctx, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "p1"); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
	if _, err := store.Retrieve(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Store(ctx, "", "x"); err == nil {
		t.Fatal("expected empty key to be rejected")
	}
}
