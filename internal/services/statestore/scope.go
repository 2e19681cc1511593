package statestore

import (
	"context"
	"errors"
	"sync"

	"github.com/louisbranch/formstate/internal/services/statestore/codec"
	"github.com/louisbranch/formstate/internal/services/statestore/storage"
)

// ErrScopeClosed is returned by Scope.Store after Close.
var ErrScopeClosed = errors.New("statestore scope is closed")

// Factory creates the store owned by a scope.
type Factory func(ctx context.Context) (*Store, error)

// NewFactory returns a Factory that opens a backend and then the store on top
// of it, closing the backend if the store cannot be opened.
func NewFactory(cfg Config, openBackend func(context.Context) (storage.Backend, error), c *codec.Codec, opts ...Option) Factory {
	return func(ctx context.Context) (*Store, error) {
		backend, err := openBackend(ctx)
		if err != nil {
			return nil, err
		}
		s, err := Open(ctx, cfg, backend, c, opts...)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		return s, nil
	}
}

// Scope owns one store for the lifetime of an application scope. The store is
// created on first use; concurrent first callers share one creation.
type Scope struct {
	factory Factory

	mu     sync.Mutex
	store  *Store
	closed bool
}

// NewScope returns a scope that creates its store with factory.
func NewScope(factory Factory) *Scope {
	return &Scope{factory: factory}
}

// Store returns the scope's store, creating it if needed. A failed creation is
// not cached; the next call tries again.
func (s *Scope) Store(ctx context.Context) (*Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrScopeClosed
	}
	if s.store != nil {
		return s.store, nil
	}
	if s.factory == nil {
		return nil, errors.New("statestore scope has no factory")
	}
	store, err := s.factory(ctx)
	if err != nil {
		return nil, err
	}
	s.store = store
	return store, nil
}

// Close closes the store, if one was created, and rejects further use.
func (s *Scope) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store = nil
	return err
}
