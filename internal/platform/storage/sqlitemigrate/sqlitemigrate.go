// Package sqlitemigrate applies embedded SQL migrations to SQLite databases.
package sqlitemigrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/louisbranch/formstate/internal/platform/logging"
)

const (
	defaultTable = "schema_migrations"
	upMarker     = "-- +migrate Up"
	downMarker   = "-- +migrate Down"
)

// Options tunes where migrations are read from and how they are tracked.
type Options struct {
	// Root is the directory inside the filesystem holding *.sql files.
	Root string
	// Table records applied migration names. Defaults to schema_migrations.
	Table string
	// Logger reports each applied file.
	Logger *slog.Logger
}

// Apply runs every pending migration in lexical order and returns the names
// it applied. A migration is recorded only after its statements succeed.
func Apply(ctx context.Context, db *sql.DB, migrationFS fs.FS, opts Options) ([]string, error) {
	if db == nil {
		return nil, errors.New("sql db is required")
	}
	if migrationFS == nil {
		return nil, errors.New("migration filesystem is required")
	}
	table := strings.TrimSpace(opts.Table)
	if table == "" {
		table = defaultTable
	}
	logger := logging.OrNop(opts.Logger)

	files, err := listMigrations(migrationFS, opts.Root)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+table+" (name TEXT PRIMARY KEY, applied_at INTEGER NOT NULL)"); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}

	var applied []string
	for _, file := range files {
		done, err := isApplied(ctx, db, table, file.name)
		if err != nil {
			return applied, fmt.Errorf("check migration %s: %w", file.name, err)
		}
		if done {
			continue
		}
		content, err := fs.ReadFile(migrationFS, file.path)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", file.name, err)
		}
		if err := applyOne(ctx, db, table, file.name, UpSection(string(content))); err != nil {
			return applied, err
		}
		logger.Debug("migration applied", "name", file.name)
		applied = append(applied, file.name)
	}
	return applied, nil
}

// UpSection returns the statements between the Up and Down markers. Files
// without markers are treated as entirely Up.
func UpSection(content string) string {
	start := strings.Index(content, upMarker)
	if start < 0 {
		return content
	}
	body := content[start+len(upMarker):]
	if end := strings.Index(body, downMarker); end >= 0 {
		body = body[:end]
	}
	return body
}

// IsAlreadyExists reports whether err comes from DDL that already took effect.
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate column name")
}

type migrationFile struct {
	name string
	path string
}

func listMigrations(migrationFS fs.FS, root string) ([]migrationFile, error) {
	root = strings.Trim(strings.TrimSpace(root), "/")
	dir := root
	if dir == "" {
		dir = "."
	}
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	files := make([]migrationFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		if root != "" {
			name = path.Join(root, name)
		}
		files = append(files, migrationFile{name: name, path: path.Join(dir, entry.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

func applyOne(ctx context.Context, db *sql.DB, table, name, upSQL string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if strings.TrimSpace(upSQL) != "" {
		if _, err := tx.ExecContext(ctx, upSQL); err != nil && !IsAlreadyExists(err) {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO "+table+" (name, applied_at) VALUES (?, ?)",
		name, time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}

func isApplied(ctx context.Context, db *sql.DB, table, name string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
