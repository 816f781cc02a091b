// Package migrations embeds the per-dialect SQL migration files for
// database schema management.
package migrations

import "embed"

// FS holds the embedded SQL migration files, one directory per dialect.
//
//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS
