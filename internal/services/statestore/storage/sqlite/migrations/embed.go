package migrations

import "embed"

// FS contains embedded SQLite migrations for persisted state entries.
//
//go:embed *.sql
var FS embed.FS
