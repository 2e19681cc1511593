package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/louisbranch/formstate/internal/platform/errors"
	"github.com/louisbranch/formstate/internal/services/statestore/codec"
	"github.com/louisbranch/formstate/internal/services/statestore/storage"
)

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestStoreFetchRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	storedAt := time.Date(2026, time.March, 3, 10, 0, 0, 0, time.UTC)
	input := storage.Record{
		Key:       "k1",
		Value:     codec.Value{Format: codec.FormatAESGCM, Data: "c2VhbGVk"},
		Origin:    codec.FormatPlain,
		SessionID: "sess-1",
		Initial:   true,
		StoredAt:  storedAt,
	}
	if err := store.Store(ctx, input); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := store.Fetch(ctx, "k1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Value != input.Value {
		t.Fatalf("value = %+v, want %+v", got.Value, input.Value)
	}
	if got.Origin != codec.FormatPlain {
		t.Fatalf("origin = %q, want %q", got.Origin, codec.FormatPlain)
	}
	if got.SessionID != "sess-1" || !got.Initial {
		t.Fatalf("session/initial = %q/%v, want sess-1/true", got.SessionID, got.Initial)
	}
	if !got.StoredAt.Equal(storedAt) {
		t.Fatalf("stored_at = %v, want %v", got.StoredAt, storedAt)
	}
}

func TestStoreReplacesExistingKey(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	if err := store.Store(ctx, storage.Record{Key: "k", Value: codec.Plain("old"), SessionID: "s"}); err != nil {
		t.Fatalf("store old: %v", err)
	}
	if err := store.Store(ctx, storage.Record{Key: "k", Value: codec.Plain("new")}); err != nil {
		t.Fatalf("store new: %v", err)
	}
	got, err := store.Fetch(ctx, "k")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Value.Data != "new" || got.SessionID != "" {
		t.Fatalf("got %+v, want replaced session-less record", got)
	}
	if got.Origin != codec.FormatPlain {
		t.Fatalf("origin = %q, want default to value format", got.Origin)
	}
}

func TestFetchMissingReturnsNotFound(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	if _, err := store.Fetch(context.Background(), "absent"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteWhereCountsBySelector(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	seed := []storage.Record{
		{Key: "a1", Value: codec.Plain("x"), SessionID: "A"},
		{Key: "a2", Value: codec.Plain("x"), SessionID: "A"},
		{Key: "b1", Value: codec.Plain("x"), SessionID: "B"},
		{Key: "n1", Value: codec.Plain("x")},
	}
	for _, r := range seed {
		if err := store.Store(ctx, r); err != nil {
			t.Fatalf("store %s: %v", r.Key, err)
		}
	}

	n, err := store.DeleteWhere(ctx, storage.Session("A"))
	if err != nil {
		t.Fatalf("delete session A: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted = %d, want 2", n)
	}
	n, err = store.DeleteWhere(ctx, storage.Session("A"))
	if err != nil || n != 0 {
		t.Fatalf("repeat delete = %d, %v, want 0, nil", n, err)
	}
	n, err = store.DeleteWhere(ctx, storage.WithAnySession())
	if err != nil || n != 1 {
		t.Fatalf("delete with session = %d, %v, want 1, nil", n, err)
	}
	if _, err := store.Fetch(ctx, "n1"); err != nil {
		t.Fatalf("session-less record should survive: %v", err)
	}
	n, err = store.DeleteWhere(ctx, storage.All())
	if err != nil || n != 1 {
		t.Fatalf("delete all = %d, %v, want 1, nil", n, err)
	}
}

func TestCollectionsAreIsolated(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "shared", "state.db")
	first, err := Open(path, WithCollection("/db/app-one"))
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	t.Cleanup(func() { _ = first.Close() })
	second, err := Open(path, WithCollection("/db/app-two/"))
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	ctx := context.Background()
	if err := first.Store(ctx, storage.Record{Key: "k", Value: codec.Plain("1"), SessionID: "s"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := second.Fetch(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second collection fetch err = %v, want ErrNotFound", err)
	}
	n, err := second.DeleteWhere(ctx, storage.All())
	if err != nil || n != 0 {
		t.Fatalf("second purge = %d, %v, want 0, nil", n, err)
	}
	if first.Collection() != "/db/app-one/" {
		t.Fatalf("collection = %q, want normalized path", first.Collection())
	}
}

func TestRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	if err := store.Store(ctx, storage.Record{}); !apperrors.HasCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("store err = %v, want invalid argument", err)
	}
	if _, err := store.DeleteWhere(ctx, storage.Session("")); !apperrors.HasCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("delete err = %v, want invalid argument", err)
	}
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Store(ctx, storage.Record{Key: "k"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
