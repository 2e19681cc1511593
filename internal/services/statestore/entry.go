// Package statestore keeps serialized form state in a bounded memory tier and
// overflows it to a persistent backend, reclaiming persisted entries when their
// owning session ends.
package statestore

import (
	"github.com/google/uuid"

	"github.com/louisbranch/formstate/internal/services/statestore/codec"
)

// Entry is the unit of storage.
type Entry struct {
	Key   string
	Value codec.Value
	// Initial marks the first snapshot of a state sequence. The store only preserves it.
	Initial bool
	// SessionID is the owning session, empty for entries written outside a session.
	SessionID string
}

// Size is the number of bytes the entry counts against the memory bound.
func (e Entry) Size() int64 {
	return int64(len(e.Value.Data))
}

// NewKey returns a fresh random state key.
func NewKey() string {
	return uuid.NewString()
}
