package statestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/louisbranch/formstate/internal/services/statestore/storage"
)

func TestSessionBridgeSubscribesOnce(t *testing.T) {
	s := openTestStore(t, 10, newSpyBackend())
	b := s.Bridge()

	assert.True(t, b.Subscribe("s1"))
	assert.False(t, b.Subscribe("s1"))
	assert.True(t, b.Subscribed("s1"))
	assert.False(t, b.Subscribed("s2"))
	assert.Equal(t, 1, b.Len())
}

func TestSessionBridgeSubscribesOnlyWhenPersisting(t *testing.T) {
	s := openTestStore(t, 10, newSpyBackend())

	require.NoError(t, s.Put(inSession("s1"), "a", bytesOf(5, "a"), true))
	assert.False(t, s.Bridge().Subscribed("s1"), "nothing persisted yet")

	require.NoError(t, s.Put(inSession("s1"), "b", bytesOf(10, "b"), false))
	assert.True(t, s.Bridge().Subscribed("s1"))
	assert.Equal(t, 1, s.Stats().Sessions)
}

func TestSessionEndDropsInMemoryEntries(t *testing.T) {
	backend := newSpyBackend()
	s := openTestStore(t, 100, backend)
	ctx := context.Background()

	require.NoError(t, s.Put(inSession("s1"), "a", bytesOf(5, "a"), true))
	require.NoError(t, s.Put(ctx, "b", bytesOf(5, "b"), false))

	n, err := s.Bridge().NotifySessionEnded(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n, "unsubscribed sessions never touch the backend")

	_, found, err := s.Find(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.Find(ctx, "b")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSessionEndFailureKeepsSubscription(t *testing.T) {
	backend := newSpyBackend()
	s := openTestStore(t, 4, backend)
	ctx := context.Background()

	require.NoError(t, s.Put(inSession("s1"), "a", bytesOf(4, "a"), true))
	require.NoError(t, s.Put(ctx, "b", bytesOf(4, "b"), false))
	require.True(t, s.Bridge().Subscribed("s1"))

	backend.failDelete.Store(true)
	_, err := s.Bridge().NotifySessionEnded(ctx, "s1")
	require.Error(t, err)
	assert.True(t, s.Bridge().Subscribed("s1"))

	backend.failDelete.Store(false)
	n, err := s.Bridge().NotifySessionEnded(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSessionEndIgnoresBlankID(t *testing.T) {
	s := openTestStore(t, 10, newSpyBackend())
	n, err := s.Bridge().NotifySessionEnded(context.Background(), "  ")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSessionEndIsNotUndoneByConcurrentMiss(t *testing.T) {
	backend := newSpyBackend()
	s := openTestStore(t, 4, backend)
	ctx := context.Background()

	require.NoError(t, s.Put(inSession("S"), "a", bytesOf(4, "a"), true))
	require.NoError(t, s.Put(ctx, "b", bytesOf(4, "b"), false))
	require.True(t, s.Bridge().Subscribed("S"))

	// A reader misses on "a" while the session is being ended and reads the
	// backend before the delete lands.
	type result struct {
		found bool
		err   error
	}
	read := make(chan result, 1)
	backend.beforeDelete = func() {
		go func() {
			_, found, err := s.Find(ctx, "a")
			read <- result{found: found, err: err}
		}()
		time.Sleep(50 * time.Millisecond)
	}

	n, err := s.Bridge().NotifySessionEnded(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r := <-read
	require.NoError(t, r.err)
	assert.False(t, r.found, "ended session entry must not be served")
	assert.False(t, s.Bridge().Subscribed("S"))

	// Memory pressure must not write the session's entry back.
	require.NoError(t, s.Put(ctx, "c", bytesOf(4, "c"), false))
	require.NoError(t, s.Put(ctx, "d", bytesOf(4, "d"), false))
	_, err = backend.Fetch(ctx, "a")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "backend still holds ended session entry: %v", err)
	assert.False(t, s.Bridge().Subscribed("S"))
	assert.Zero(t, s.Bridge().Len())
}
