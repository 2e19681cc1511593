package statestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/formstate/internal/platform/errors"
	"github.com/louisbranch/formstate/internal/platform/logging"
	platformotel "github.com/louisbranch/formstate/internal/platform/otel"
	"github.com/louisbranch/formstate/internal/platform/requestctx"
	"github.com/louisbranch/formstate/internal/services/statestore/codec"
	"github.com/louisbranch/formstate/internal/services/statestore/storage"
)

const (
	// DefaultMaxSize bounds the memory tier when no size is configured.
	DefaultMaxSize int64 = 20 * 1024 * 1024
	// DefaultDebugName labels the application-wide store in logs.
	DefaultDebugName = "global application"
)

// Config holds the inputs the store consumes.
type Config struct {
	// MaxSize is the memory tier bound in bytes.
	MaxSize int64
	// DebugName labels this store in logs and spans.
	DebugName string
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if strings.TrimSpace(c.DebugName) == "" {
		c.DebugName = DefaultDebugName
	}
	return c
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(logger) }
}

// WithClock overrides the time source used for persisted timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTracer overrides the tracer used for store spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Store) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// Stats is a point-in-time view of store activity.
type Stats struct {
	Entries    int
	Size       int64
	MaxSize    int64
	Sessions   int
	Hits       uint64
	Misses     uint64
	Promotions uint64
	Persisted  uint64
	Expired    uint64
}

// Store is the persistent tier: a memory tier whose evictions are written to a
// backend and whose misses are recovered from it.
type Store struct {
	// mu serialises every mutation: writes, evictions, promotions and expirations.
	mu sync.Mutex
	// epoch advances on every mutation so a miss can tell whether the backend
	// changed while it was being read.
	epoch atomic.Uint64

	cfg     Config
	memory  *MemoryTier
	backend storage.Backend
	codec   *codec.Codec
	bridge  *SessionBridge
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	hits       atomic.Uint64
	misses     atomic.Uint64
	promotions atomic.Uint64
	persisted  atomic.Uint64
	expired    atomic.Uint64
}

// New builds a store without touching the backend. Most callers want Open.
func New(cfg Config, backend storage.Backend, c *codec.Codec, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("storage backend is required")
	}
	if c == nil {
		return nil, errors.New("codec is required")
	}
	cfg = cfg.withDefaults()
	s := &Store{
		cfg:     cfg,
		backend: backend,
		codec:   c,
		logger:  logging.Nop(),
		tracer:  platformotel.Tracer("statestore"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("store", cfg.DebugName)
	s.memory = NewMemoryTier(cfg.MaxSize, s.persistEntry)
	s.bridge = newSessionBridge(s)
	return s, nil
}

// Open builds a store and removes every persisted entry that belongs to a
// session before returning it. Sessions that ended while no store was running
// are never announced, so their entries would otherwise be orphaned.
func Open(ctx context.Context, cfg Config, backend storage.Backend, c *codec.Codec, opts ...Option) (*Store, error) {
	s, err := New(cfg, backend, c, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := s.ExpireAllPersistentWithSession(ctx); err != nil {
		return nil, fmt.Errorf("expire orphaned session entries: %w", err)
	}
	return s, nil
}

// Bridge returns the session lifecycle bridge bound to this store.
func (s *Store) Bridge() *SessionBridge {
	return s.bridge
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// Put writes value under key. The session in ctx, if any, owns the entry.
// An error means an eviction triggered by this write could not be persisted.
func (s *Store) Put(ctx context.Context, key string, value codec.Value, initial bool) error {
	if err := storage.ValidateKey(key); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid state key", err)
	}
	ctx, span := s.tracer.Start(ctx, "statestore.Put", trace.WithAttributes(
		attribute.String("statestore.key", key),
		attribute.Int("statestore.bytes", value.Len()),
	))
	defer span.End()

	entry := Entry{
		Key:       key,
		Value:     value.Normalize(),
		Initial:   initial,
		SessionID: requestctx.SessionIDFromContext(ctx),
	}

	defer s.lock()()
	if err := s.memory.AddOne(ctx, entry); err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

// Find returns the value under key from memory or, on a miss, from the
// backend, promoting it into memory. found is false when neither tier has it.
func (s *Store) Find(ctx context.Context, key string) (value codec.Value, found bool, err error) {
	if err := storage.ValidateKey(key); err != nil {
		return codec.Value{}, false, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid state key", err)
	}
	if e, ok := s.memory.FindOne(key); ok {
		s.hits.Add(1)
		return e.Value, true, nil
	}

	ctx, span := s.tracer.Start(ctx, "statestore.Find", trace.WithAttributes(attribute.String("statestore.key", key)))
	defer span.End()
	defer func() { recordError(span, err) }()

	s.misses.Add(1)
	epoch := s.epoch.Load()
	entry, ok, err := s.load(ctx, key)
	if err != nil {
		return codec.Value{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, hit := s.memory.FindOne(key); hit {
		return e.Value, true, nil
	}
	if s.epoch.Load() != epoch {
		// The backend may have changed during the unlocked read.
		if entry, ok, err = s.load(ctx, key); err != nil {
			return codec.Value{}, false, err
		}
	}
	if !ok {
		s.logger.Debug("entry not found in either tier", "key", key)
		return codec.Value{}, false, nil
	}

	s.epoch.Add(1)
	if err := s.memory.AddOne(ctx, entry); err != nil {
		return codec.Value{}, false, err
	}
	s.promotions.Add(1)
	s.logger.Debug("migrated persisted entry", "key", key, "bytes", entry.Size())
	return entry.Value, true, nil
}

// load fetches key from the backend and restores the format the caller wrote.
func (s *Store) load(ctx context.Context, key string) (Entry, bool, error) {
	rec, err := s.backend.Fetch(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("fetch persisted entry %q: %w", key, err)
	}

	entry, err := DecodeRecord(s.codec, rec)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// DecodeRecord turns a persisted record back into the entry the caller wrote,
// opening the value when the caller wrote it in plain form.
func DecodeRecord(c *codec.Codec, rec storage.Record) (Entry, error) {
	value := rec.Value.Normalize()
	if rec.Origin == codec.FormatPlain && codec.IsEncoded(value) {
		var err error
		value, err = c.Decode(value)
		if err != nil {
			return Entry{}, apperrors.WrapWithMetadata(apperrors.CodeDecodeFailure, "decode persisted entry", map[string]string{"key": rec.Key}, err)
		}
	}
	return Entry{Key: rec.Key, Value: value, Initial: rec.Initial, SessionID: rec.SessionID}, nil
}

// persistEntry is the memory tier's overflow hook. It runs with s.mu held.
func (s *Store) persistEntry(ctx context.Context, e Entry) error {
	ctx, span := s.tracer.Start(ctx, "statestore.persist", trace.WithAttributes(
		attribute.String("statestore.key", e.Key),
		attribute.Bool("statestore.initial", e.Initial),
	))
	defer span.End()

	origin := e.Value.Normalize().Format
	sealed, err := s.codec.Encode(e.Value)
	if err != nil {
		recordError(span, err)
		return fmt.Errorf("encode entry %q: %w", e.Key, err)
	}
	s.logger.Debug("persisting entry", "key", e.Key, "bytes", e.Size(), "session_id", e.SessionID)

	rec := storage.Record{
		Key:       e.Key,
		Value:     sealed,
		Origin:    origin,
		SessionID: e.SessionID,
		Initial:   e.Initial,
		StoredAt:  s.now().UTC(),
	}
	if err := s.backend.Store(ctx, rec); err != nil {
		recordError(span, err)
		return fmt.Errorf("persist entry %q: %w", e.Key, err)
	}
	s.persisted.Add(1)

	if e.SessionID != "" && s.bridge.Subscribe(e.SessionID) {
		s.logger.Debug("subscribed to session end", "session_id", e.SessionID)
	}
	return nil
}

// ExpirePersistentBySession deletes every persisted entry of one session and
// returns how many were removed.
func (s *Store) ExpirePersistentBySession(ctx context.Context, sessionID string) (int, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0, apperrors.New(apperrors.CodeInvalidArgument, "session id is required")
	}
	n, err := s.expire(ctx, "statestore.ExpirePersistentBySession", storage.Session(sessionID))
	if err != nil {
		return 0, err
	}
	s.logger.Info(fmt.Sprintf("expired %d persistent entries for session", n), "session_id", sessionID)
	return n, nil
}

// ExpireAllPersistentWithSession deletes every persisted entry that belongs to
// any session. Session-less entries are kept.
func (s *Store) ExpireAllPersistentWithSession(ctx context.Context) (int, error) {
	n, err := s.expire(ctx, "statestore.ExpireAllPersistentWithSession", storage.WithAnySession())
	if err != nil {
		return 0, err
	}
	s.logger.Info(fmt.Sprintf("expired %d persistent entries with session information", n))
	return n, nil
}

// ExpireAllPersistent deletes every persisted entry.
func (s *Store) ExpireAllPersistent(ctx context.Context) (int, error) {
	n, err := s.expire(ctx, "statestore.ExpireAllPersistent", storage.All())
	if err != nil {
		return 0, err
	}
	s.logger.Info(fmt.Sprintf("expired %d persistent entries", n))
	return n, nil
}

func (s *Store) expire(ctx context.Context, spanName string, sel storage.Selector) (int, error) {
	ctx, span := s.tracer.Start(ctx, spanName, trace.WithAttributes(attribute.String("statestore.scope", string(sel.Scope))))
	defer span.End()

	defer s.lock()()
	n, err := s.backend.DeleteWhere(ctx, sel)
	if err != nil {
		recordError(span, err)
		return 0, fmt.Errorf("delete persisted entries: %w", err)
	}
	span.SetAttributes(attribute.Int("statestore.expired", n))
	s.expired.Add(uint64(n))
	return n, nil
}

// endSession drops the session's entries from memory and, when the session has
// persisted entries, deletes them from the backend. Both steps and the
// subscription bookkeeping happen in one critical section, so a concurrent miss
// can never promote an entry of the ending session back into memory.
func (s *Store) endSession(ctx context.Context, sessionID string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "statestore.EndSession", trace.WithAttributes(attribute.String("statestore.session_id", sessionID)))
	defer span.End()

	defer s.lock()()
	if dropped := s.memory.RemoveWhere(func(e Entry) bool { return e.SessionID == sessionID }); dropped > 0 {
		s.logger.Debug("dropped in-memory entries of ended session", "session_id", sessionID, "count", dropped)
	}
	if !s.bridge.unsubscribe(sessionID) {
		return 0, nil
	}
	n, err := s.backend.DeleteWhere(ctx, storage.Session(sessionID))
	if err != nil {
		s.bridge.Subscribe(sessionID)
		recordError(span, err)
		return 0, fmt.Errorf("delete persisted entries: %w", err)
	}
	span.SetAttributes(attribute.Int("statestore.expired", n))
	s.expired.Add(uint64(n))
	s.logger.Info(fmt.Sprintf("expired %d persistent entries for session", n), "session_id", sessionID)
	return n, nil
}

// lock takes the mutation lock and advances the epoch on entry and on release.
// The release bump invalidates reads that started while the mutation ran.
func (s *Store) lock() (unlock func()) {
	s.mu.Lock()
	s.epoch.Add(1)
	return func() {
		s.epoch.Add(1)
		s.mu.Unlock()
	}
}

// Stats returns current counters.
func (s *Store) Stats() Stats {
	return Stats{
		Entries:    s.memory.Len(),
		Size:       s.memory.Size(),
		MaxSize:    s.memory.MaxSize(),
		Sessions:   s.bridge.Len(),
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		Promotions: s.promotions.Load(),
		Persisted:  s.persisted.Load(),
		Expired:    s.expired.Load(),
	}
}

// Close releases the backend. Entries still in memory are not persisted.
func (s *Store) Close() error {
	return s.backend.Close()
}

func recordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}
