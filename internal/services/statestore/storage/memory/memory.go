// Package memory provides a process-local backend for tests and single-process development.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/formstate/internal/platform/errors"
	"github.com/louisbranch/formstate/internal/services/statestore/storage"
)

// Backend keeps records in a map guarded by a mutex.
type Backend struct {
	mu      sync.Mutex
	records map[string]storage.Record
	closed  bool
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{records: make(map[string]storage.Record)}
}

// Store writes r, replacing any record under the same key.
func (b *Backend) Store(ctx context.Context, r storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.Validate(); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid record", err)
	}
	r.Value = r.Value.Normalize()
	if r.Origin == "" {
		r.Origin = r.Value.Format
	}
	if r.StoredAt.IsZero() {
		r.StoredAt = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return apperrors.New(apperrors.CodeBackendUnavailable, "backend is closed")
	}
	b.records[r.Key] = r
	return nil
}

// Fetch returns the record under key, or storage.ErrNotFound.
func (b *Backend) Fetch(ctx context.Context, key string) (storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return storage.Record{}, err
	}
	if strings.TrimSpace(key) == "" {
		return storage.Record{}, apperrors.New(apperrors.CodeInvalidArgument, "record key is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.Record{}, apperrors.New(apperrors.CodeBackendUnavailable, "backend is closed")
	}
	r, ok := b.records[key]
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	return r, nil
}

// DeleteWhere removes every record matched by sel.
func (b *Backend) DeleteWhere(ctx context.Context, sel storage.Selector) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := sel.Validate(); err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid selector", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, apperrors.New(apperrors.CodeBackendUnavailable, "backend is closed")
	}
	count := 0
	for key, r := range b.records {
		if sel.Matches(r) {
			delete(b.records, key)
			count++
		}
	}
	return count, nil
}

// Len returns the number of stored records.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Close rejects further calls.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
