package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apperrors "github.com/louisbranch/formstate/internal/platform/errors"
	"github.com/louisbranch/formstate/internal/services/statestore/codec"
	"github.com/louisbranch/formstate/internal/services/statestore/storage"
	"github.com/louisbranch/formstate/internal/services/statestore/storage/memory"
)

func newTestPair(t *testing.T, handlerOpts []HandlerOption, clientOpts ...ClientOption) (*Client, *memory.Backend) {
	t.Helper()
	backend := memory.New()
	server := httptest.NewServer(NewHandler(backend, handlerOpts...))
	t.Cleanup(server.Close)
	client, err := NewClient(server.URL, clientOpts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, backend
}

func TestClientHandlerRoundTrip(t *testing.T) {
	t.Parallel()

	client, backend := newTestPair(t, nil)
	ctx := context.Background()
	storedAt := time.Date(2026, time.April, 1, 9, 30, 0, 0, time.UTC)
	input := storage.Record{
		Key:       "dyn/state 1",
		Value:     codec.Value{Format: codec.FormatAESGCM, Data: "Y2lwaGVy"},
		Origin:    codec.FormatPlain,
		SessionID: "sess-1",
		Initial:   true,
		StoredAt:  storedAt,
	}
	if err := client.Store(ctx, input); err != nil {
		t.Fatalf("store: %v", err)
	}
	if backend.Len() != 1 {
		t.Fatalf("backend len = %d, want 1", backend.Len())
	}

	got, err := client.Fetch(ctx, "dyn/state 1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Key != input.Key || got.Value != input.Value || got.Origin != input.Origin {
		t.Fatalf("got %+v, want %+v", got, input)
	}
	if got.SessionID != "sess-1" || !got.Initial || !got.StoredAt.Equal(storedAt) {
		t.Fatalf("metadata = %+v, want session/initial/stored_at preserved", got)
	}
}

func TestClientFetchMissing(t *testing.T) {
	t.Parallel()

	client, _ := newTestPair(t, nil)
	if _, err := client.Fetch(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClientDeleteWhere(t *testing.T) {
	t.Parallel()

	client, backend := newTestPair(t, nil)
	ctx := context.Background()
	for _, r := range []storage.Record{
		{Key: "a", Value: codec.Plain("1"), SessionID: "S"},
		{Key: "b", Value: codec.Plain("2"), SessionID: "S"},
		{Key: "c", Value: codec.Plain("3"), SessionID: "T"},
		{Key: "d", Value: codec.Plain("4")},
	} {
		if err := client.Store(ctx, r); err != nil {
			t.Fatalf("store %s: %v", r.Key, err)
		}
	}

	n, err := client.DeleteWhere(ctx, storage.Session("S"))
	if err != nil || n != 2 {
		t.Fatalf("delete session = %d, %v, want 2, nil", n, err)
	}
	n, err = client.DeleteWhere(ctx, storage.WithAnySession())
	if err != nil || n != 1 {
		t.Fatalf("delete any session = %d, %v, want 1, nil", n, err)
	}
	if backend.Len() != 1 {
		t.Fatalf("backend len = %d, want 1", backend.Len())
	}
	if _, err := client.DeleteWhere(ctx, storage.Selector{Scope: "bogus"}); !apperrors.HasCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("err = %v, want invalid argument", err)
	}
}

func TestClientCollectionMismatchIsNotFound(t *testing.T) {
	t.Parallel()

	client, _ := newTestPair(t, []HandlerOption{WithHandlerCollection("/db/other/")})
	err := client.Store(context.Background(), storage.Record{Key: "k", Value: codec.Plain("v")})
	if !apperrors.HasCode(err, apperrors.CodeBackendError) {
		t.Fatalf("err = %v, want backend error", err)
	}
}

func TestHandlerRequiresCredentials(t *testing.T) {
	t.Parallel()

	opts := []HandlerOption{WithRequiredCredentials("admin", "hunter2")}
	ok, _ := newTestPair(t, opts, WithCredentials("admin", "hunter2"))
	if err := ok.Store(context.Background(), storage.Record{Key: "k", Value: codec.Plain("v")}); err != nil {
		t.Fatalf("store with credentials: %v", err)
	}

	denied, _ := newTestPair(t, opts)
	err := denied.Store(context.Background(), storage.Record{Key: "k", Value: codec.Plain("v")})
	if !apperrors.HasCode(err, apperrors.CodeBackendError) {
		t.Fatalf("err = %v, want backend error", err)
	}
	if !strings.Contains(err.Error(), "401") {
		t.Fatalf("err = %v, want 401 status in message", err)
	}
}

func TestClientMapsServerFailures(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(errorBody{Code: "BACKEND_UNAVAILABLE", Message: "maintenance"})
	}))
	t.Cleanup(server.Close)
	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Fetch(context.Background(), "k")
	if !apperrors.HasCode(err, apperrors.CodeBackendUnavailable) {
		t.Fatalf("err = %v, want backend unavailable", err)
	}
	if !strings.Contains(err.Error(), "maintenance") {
		t.Fatalf("err = %v, want server message", err)
	}
}

func TestClientTransportFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client, err := NewClient(url, WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = client.Store(context.Background(), storage.Record{Key: "k", Value: codec.Plain("v")})
	if !apperrors.HasCode(err, apperrors.CodeBackendUnavailable) {
		t.Fatalf("err = %v, want backend unavailable", err)
	}
}

func TestNewClientValidatesURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "   ", "ftp://host", "://bad"} {
		if _, err := NewClient(raw); err == nil {
			t.Fatalf("NewClient(%q) expected error", raw)
		}
	}
}

func TestHandlerRejectsMismatchedBodyKey(t *testing.T) {
	t.Parallel()

	handler := NewHandler(memory.New())
	req := httptest.NewRequest(http.MethodPut, "/rest"+storage.DefaultCollection+"path-key", strings.NewReader(`{"key":"other","value":"v","is_initial_entry":"false"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestClientRejectsDotSegmentKeys(t *testing.T) {
	t.Parallel()

	client, backend := newTestPair(t, nil)
	ctx := context.Background()
	for _, key := range []string{".", ".."} {
		err := client.Store(ctx, storage.Record{Key: key, Value: codec.Plain("v"), Origin: codec.FormatPlain})
		if !apperrors.HasCode(err, apperrors.CodeInvalidArgument) {
			t.Fatalf("store %q: err = %v, want INVALID_ARGUMENT", key, err)
		}
		if _, err := client.Fetch(ctx, key); !apperrors.HasCode(err, apperrors.CodeInvalidArgument) {
			t.Fatalf("fetch %q: err = %v, want INVALID_ARGUMENT", key, err)
		}
	}
	if backend.Len() != 0 {
		t.Fatalf("backend len = %d, want 0", backend.Len())
	}
}
