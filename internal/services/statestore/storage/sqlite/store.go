// Package sqlite provides the native-driver SQLite backend for persisted state entries.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/louisbranch/formstate/internal/platform/errors"
	"github.com/louisbranch/formstate/internal/platform/logging"
	"github.com/louisbranch/formstate/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/formstate/internal/services/statestore/codec"
	"github.com/louisbranch/formstate/internal/services/statestore/storage"
	"github.com/louisbranch/formstate/internal/services/statestore/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists state entries in SQLite.
type Store struct {
	sqlDB      *sql.DB
	collection string
	logger     *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCollection namespaces every row under collection.
func WithCollection(collection string) Option {
	return func(s *Store) { s.collection = storage.NormalizeCollection(collection) }
}

// WithLogger sets the logger used for migration and delete diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(logger) }
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite state store, creating its directory, and applies embedded migrations.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Store{sqlDB: sqlDB, collection: storage.DefaultCollection, logger: logging.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, sqlitemigrate.Options{Logger: s.logger}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Collection returns the namespace rows are stored under.
func (s *Store) Collection() string {
	return s.collection
}

// Store upserts one record.
func (s *Store) Store(ctx context.Context, r storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := r.Validate(); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid record", err)
	}
	value := r.Value.Normalize()
	origin := r.Origin
	if origin == "" {
		origin = value.Format
	}
	storedAt := r.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO state_entries (
		    collection, entry_key, value, encoding, origin, session_id, is_initial_entry, stored_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(collection, entry_key) DO UPDATE SET
		    value = excluded.value,
		    encoding = excluded.encoding,
		    origin = excluded.origin,
		    session_id = excluded.session_id,
		    is_initial_entry = excluded.is_initial_entry,
		    stored_at = excluded.stored_at`,
		s.collection,
		r.Key,
		value.Data,
		string(value.Format),
		string(origin),
		nullableString(r.SessionID),
		boolToInt(r.Initial),
		toMillis(storedAt),
	)
	if err != nil {
		return backendError("store record", r.Key, err)
	}
	return nil
}

// Fetch loads one record by key.
func (s *Store) Fetch(ctx context.Context, key string) (storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return storage.Record{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Record{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(key) == "" {
		return storage.Record{}, apperrors.New(apperrors.CodeInvalidArgument, "record key is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT entry_key, value, encoding, origin, session_id, is_initial_entry, stored_at
		   FROM state_entries
		  WHERE collection = ? AND entry_key = ?`,
		s.collection,
		key,
	)

	var (
		r         storage.Record
		encoding  string
		origin    string
		sessionID sql.NullString
		initial   int
		storedAt  int64
	)
	if err := row.Scan(&r.Key, &r.Value.Data, &encoding, &origin, &sessionID, &initial, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Record{}, storage.ErrNotFound
		}
		return storage.Record{}, backendError("fetch record", key, err)
	}
	r.Value.Format = codec.Format(encoding)
	r.Origin = codec.Format(origin)
	r.SessionID = sessionID.String
	r.Initial = initial != 0
	r.StoredAt = fromMillis(storedAt)
	return r, nil
}

// DeleteWhere removes every record in the collection matched by sel.
func (s *Store) DeleteWhere(ctx context.Context, sel storage.Selector) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if err := sel.Validate(); err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid selector", err)
	}

	query := `DELETE FROM state_entries WHERE collection = ?`
	args := []any{s.collection}
	switch sel.Scope {
	case storage.ScopeWithAnySession:
		query += ` AND session_id IS NOT NULL`
	case storage.ScopeSession:
		query += ` AND session_id = ?`
		args = append(args, sel.SessionID)
	}

	result, err := s.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, backendError("delete records", string(sel.Scope), err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, backendError("count deleted records", string(sel.Scope), err)
	}
	s.logger.Debug("deleted persisted records", "scope", sel.Scope, "session_id", sel.SessionID, "count", count)
	return int(count), nil
}

func backendError(op, subject string, err error) error {
	code := apperrors.CodeBackendError
	if isBusy(err) {
		code = apperrors.CodeBackendUnavailable
	}
	return apperrors.WrapWithMetadata(code, op, map[string]string{"subject": subject}, err)
}

func isBusy(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
		return true
	}
	return false
}

func nullableString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
