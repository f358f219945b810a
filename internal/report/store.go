// Package report persists finished self-play reports.
//
// Three backends implement Store: a directory of JSON files (the default),
// a SQLite database, and a Postgres table. All of them overwrite on a second
// Save for the same run id.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/selfplay/internal/model"
)

// ErrNotFound is returned by Load for an unknown run id.
var ErrNotFound = errors.New("report: not found")

// Store saves and loads reports keyed by run id.
type Store interface {
	// Save writes rep and returns a locator for it.
	Save(ctx context.Context, runID string, rep model.Report) (string, error)
	// Load returns the report last saved for runID.
	Load(ctx context.Context, runID string) (model.Report, error)
	// Close releases the backend.
	Close() error
}

// StorageError wraps a backend failure with the operation and run id.
type StorageError struct {
	Op    string
	RunID string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("report: %s %s: %v", e.Op, e.RunID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Backend     string
	Dir         string // file backend root
	SQLitePath  string
	DatabaseURL string
}

// Open returns the Store selected by opts.Backend.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	switch opts.Backend {
	case BackendFile, "":
		return NewFileStore(opts.Dir), nil
	case BackendSQLite:
		return NewSQLiteStore(ctx, opts.SQLitePath)
	case BackendPostgres:
		return NewPostgresStore(ctx, opts.DatabaseURL, logger)
	default:
		return nil, fmt.Errorf("report: unknown backend %q", opts.Backend)
	}
}
