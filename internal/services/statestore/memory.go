package statestore

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

// OverflowFunc receives an entry the memory tier is about to drop. The entry
// leaves memory only when the func returns nil.
type OverflowFunc func(ctx context.Context, e Entry) error

type slot struct {
	entry Entry
	// gen changes whenever the slot's entry is replaced.
	gen uint64
}

// MemoryTier is a bounded, insertion-ordered map of entries. When the aggregate
// value size exceeds the bound, the oldest entries are offered to the overflow
// func and removed.
type MemoryTier struct {
	mu       sync.RWMutex
	maxSize  int64
	size     int64
	gen      uint64
	order    *list.List
	slots    map[string]*list.Element
	overflow OverflowFunc
}

// NewMemoryTier builds a tier bounded at maxSize bytes. A nil overflow func
// makes every eviction fail, so the tier never drops entries silently.
func NewMemoryTier(maxSize int64, overflow OverflowFunc) *MemoryTier {
	return &MemoryTier{
		maxSize:  maxSize,
		order:    list.New(),
		slots:    make(map[string]*list.Element),
		overflow: overflow,
	}
}

var errNoOverflow = errors.New("memory tier has no overflow hook")

// AddOne inserts or replaces e and then evicts oldest-first until the tier is
// back under its bound. A replaced key keeps its position. On an overflow
// failure the victim stays in memory and the error is returned.
func (m *MemoryTier) AddOne(ctx context.Context, e Entry) error {
	m.mu.Lock()
	m.gen++
	if el, ok := m.slots[e.Key]; ok {
		s := el.Value.(*slot)
		m.size += e.Size() - s.entry.Size()
		s.entry = e
		s.gen = m.gen
	} else {
		m.slots[e.Key] = m.order.PushBack(&slot{entry: e, gen: m.gen})
		m.size += e.Size()
	}
	m.mu.Unlock()

	return m.evict(ctx)
}

func (m *MemoryTier) evict(ctx context.Context) error {
	for {
		m.mu.RLock()
		if m.size <= m.maxSize || m.order.Len() == 0 {
			m.mu.RUnlock()
			return nil
		}
		front := m.order.Front()
		victim := *front.Value.(*slot)
		m.mu.RUnlock()

		if m.overflow == nil {
			return errNoOverflow
		}
		if err := m.overflow(ctx, victim.entry); err != nil {
			return err
		}

		m.mu.Lock()
		if el, ok := m.slots[victim.entry.Key]; ok && el.Value.(*slot).gen == victim.gen {
			m.removeLocked(el)
		}
		m.mu.Unlock()
	}
}

// FindOne returns the entry under key if it is in memory.
func (m *MemoryTier) FindOne(key string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	el, ok := m.slots[key]
	if !ok {
		return Entry{}, false
	}
	return el.Value.(*slot).entry, true
}

// Remove drops key from memory without offering it to the overflow func.
func (m *MemoryTier) Remove(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.slots[key]
	if ok {
		m.removeLocked(el)
	}
	return ok
}

// RemoveWhere drops every entry for which match returns true without offering
// it to the overflow func, and reports how many were dropped.
func (m *MemoryTier) RemoveWhere(match func(Entry) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		if match(el.Value.(*slot).entry) {
			m.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

func (m *MemoryTier) removeLocked(el *list.Element) {
	s := m.order.Remove(el).(*slot)
	delete(m.slots, s.entry.Key)
	m.size -= s.entry.Size()
}

// Keys returns the keys in eviction order, oldest first.
func (m *MemoryTier) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, m.order.Len())
	for el := m.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*slot).entry.Key)
	}
	return keys
}

// Len returns the number of entries in memory.
func (m *MemoryTier) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.order.Len()
}

// Size returns the aggregate value size in bytes.
func (m *MemoryTier) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// MaxSize returns the configured bound in bytes.
func (m *MemoryTier) MaxSize() int64 {
	return m.maxSize
}
