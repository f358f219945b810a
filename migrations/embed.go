// Package migrations embeds the Postgres schema for the report store.
// Migrations are embedded so they work regardless of working directory.
package migrations

import "embed"

// FS is the embedded migrations filesystem.
// Files are applied in lexical order (001_reports.sql first).
//
//go:embed *.sql
var FS embed.FS
