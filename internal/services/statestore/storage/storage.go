// Package storage defines the remote backend contract for persisted state entries.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/formstate/internal/services/statestore/codec"
)

// DefaultCollection is the namespace persisted entries live under when none is configured.
const DefaultCollection = "/db/orbeon/xforms/cache/"

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// Record is the persisted form of a state entry.
type Record struct {
	Key string
	// Value holds the data as stored, normally sealed.
	Value codec.Value
	// Origin is the format the caller originally wrote, restored on fetch.
	Origin    codec.Format
	SessionID string
	Initial   bool
	StoredAt  time.Time
}

// Validate checks the fields every backend requires.
func (r Record) Validate() error {
	return ValidateKey(r.Key)
}

// ValidateKey rejects blank keys and the dot segments "." and "..", which
// path-addressed backends cannot carry.
func ValidateKey(key string) error {
	switch strings.TrimSpace(key) {
	case "":
		return errors.New("record key is required")
	case ".", "..":
		return fmt.Errorf("record key %q is a path dot segment", key)
	}
	return nil
}

// Scope selects which persisted records a bulk delete matches.
type Scope string

const (
	// ScopeAll matches every record in the collection.
	ScopeAll Scope = "all"
	// ScopeWithAnySession matches records that carry a session id.
	ScopeWithAnySession Scope = "with-session"
	// ScopeSession matches records of one session.
	ScopeSession Scope = "session"
)

// Selector is the predicate of a bulk delete.
type Selector struct {
	Scope     Scope
	SessionID string
}

// All selects every record.
func All() Selector { return Selector{Scope: ScopeAll} }

// WithAnySession selects every record that carries a session id.
func WithAnySession() Selector { return Selector{Scope: ScopeWithAnySession} }

// Session selects the records of one session.
func Session(id string) Selector { return Selector{Scope: ScopeSession, SessionID: id} }

// Validate rejects unknown scopes and session selectors without an id.
func (s Selector) Validate() error {
	switch s.Scope {
	case ScopeAll, ScopeWithAnySession:
		return nil
	case ScopeSession:
		if strings.TrimSpace(s.SessionID) == "" {
			return errors.New("session selector requires a session id")
		}
		return nil
	default:
		return fmt.Errorf("unknown selector scope %q", s.Scope)
	}
}

// Matches reports whether r is selected by s.
func (s Selector) Matches(r Record) bool {
	switch s.Scope {
	case ScopeAll:
		return true
	case ScopeWithAnySession:
		return r.SessionID != ""
	case ScopeSession:
		return r.SessionID != "" && r.SessionID == s.SessionID
	default:
		return false
	}
}

// Backend stores, fetches and bulk-deletes persisted records.
type Backend interface {
	// Store writes r, replacing any record under the same key.
	Store(ctx context.Context, r Record) error
	// Fetch returns the record under key, or ErrNotFound.
	Fetch(ctx context.Context, key string) (Record, error)
	// DeleteWhere removes every record matched by sel and returns how many were removed.
	DeleteWhere(ctx context.Context, sel Selector) (int, error)
	// Close releases backend resources.
	Close() error
}

// NormalizeCollection returns collection as an absolute path ending in "/".
func NormalizeCollection(collection string) string {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return DefaultCollection
	}
	if !strings.HasPrefix(collection, "/") {
		collection = "/" + collection
	}
	if !strings.HasSuffix(collection, "/") {
		collection += "/"
	}
	return collection
}
