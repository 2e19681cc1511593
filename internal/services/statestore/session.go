package statestore

import (
	"context"
	"strings"
	"sync"
)

// SessionBridge connects the store to an external session manager. The store
// subscribes a session the first time one of its entries is persisted; the
// session manager calls NotifySessionEnded once when the session goes away.
type SessionBridge struct {
	store *Store

	mu         sync.Mutex
	subscribed map[string]struct{}
}

func newSessionBridge(store *Store) *SessionBridge {
	return &SessionBridge{store: store, subscribed: make(map[string]struct{})}
}

// Subscribe marks sessionID as having persisted entries. It reports true only
// for the first subscription of a session.
func (b *SessionBridge) Subscribe(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribed[sessionID]; ok {
		return false
	}
	b.subscribed[sessionID] = struct{}{}
	return true
}

// Subscribed reports whether sessionID has persisted entries awaiting expiry.
func (b *SessionBridge) Subscribed(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subscribed[sessionID]
	return ok
}

// Len returns the number of subscribed sessions.
func (b *SessionBridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribed)
}

func (b *SessionBridge) unsubscribe(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subscribed[sessionID]
	delete(b.subscribed, sessionID)
	return ok
}

// NotifySessionEnded drops the session's entries from memory and, if any were
// persisted, deletes them from the backend. It returns the number of persisted
// entries removed. On a backend failure the subscription is kept so the call
// can be retried.
func (b *SessionBridge) NotifySessionEnded(ctx context.Context, sessionID string) (int, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0, nil
	}
	return b.store.endSession(ctx, sessionID)
}
