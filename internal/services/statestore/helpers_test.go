package statestore

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "github.com/louisbranch/formstate/internal/platform/errors"
	"github.com/louisbranch/formstate/internal/platform/requestctx"
	"github.com/louisbranch/formstate/internal/services/statestore/codec"
	"github.com/louisbranch/formstate/internal/services/statestore/storage"
	"github.com/louisbranch/formstate/internal/services/statestore/storage/memory"
)

const testSecret = "test-secret"

var (
	sharedCodecOnce sync.Once
	sharedCodec     *codec.Codec
)

func testCodec(t *testing.T) *codec.Codec {
	t.Helper()
	sharedCodecOnce.Do(func() {
		c, err := codec.New(testSecret)
		if err != nil {
			panic(err)
		}
		sharedCodec = c
	})
	return sharedCodec
}

func openTestStore(t *testing.T, maxSize int64, backend storage.Backend) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{MaxSize: maxSize}, backend, testCodec(t))
	require.NoError(t, err)
	return s
}

func bytesOf(n int, fill string) codec.Value {
	return codec.Plain(strings.Repeat(fill, n))
}

func inSession(id string) context.Context {
	return requestctx.WithSessionID(context.Background(), id)
}

// spyBackend wraps a memory backend, counts calls and injects failures.
type spyBackend struct {
	*memory.Backend

	fetches    atomic.Int64
	failStore  atomic.Bool
	failDelete atomic.Bool

	// beforeFetchReturn, when set, runs after the inner fetch and before the
	// result is returned.
	beforeFetchReturn func()
	// beforeDelete, when set, runs once before a bulk delete reaches the
	// inner backend.
	beforeDelete func()
}

func newSpyBackend() *spyBackend {
	return &spyBackend{Backend: memory.New()}
}

func (b *spyBackend) Store(ctx context.Context, r storage.Record) error {
	if b.failStore.Load() {
		return apperrors.New(apperrors.CodeBackendUnavailable, "backend down")
	}
	return b.Backend.Store(ctx, r)
}

func (b *spyBackend) Fetch(ctx context.Context, key string) (storage.Record, error) {
	b.fetches.Add(1)
	r, err := b.Backend.Fetch(ctx, key)
	if hook := b.beforeFetchReturn; hook != nil {
		b.beforeFetchReturn = nil
		hook()
	}
	return r, err
}

func (b *spyBackend) DeleteWhere(ctx context.Context, sel storage.Selector) (int, error) {
	if b.failDelete.Load() {
		return 0, apperrors.New(apperrors.CodeBackendError, "delete rejected")
	}
	if hook := b.beforeDelete; hook != nil {
		b.beforeDelete = nil
		hook()
	}
	return b.Backend.DeleteWhere(ctx, sel)
}
