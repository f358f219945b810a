package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/selfplay/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS reports (
	run_id     TEXT PRIMARY KEY,
	body       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

// SQLiteStore keeps reports in a single SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("report: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("report: create sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("report: open sqlite: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("report: create sqlite schema: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("report: ping sqlite: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, runID string, rep model.Report) (string, error) {
	body, err := json.Marshal(rep)
	if err != nil {
		return "", &StorageError{Op: "save", RunID: runID, Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (run_id, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		runID, string(body), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", &StorageError{Op: "save", RunID: runID, Err: err}
	}
	return fmt.Sprintf("sqlite://%s#%s", s.path, runID), nil
}

func (s *SQLiteStore) Load(ctx context.Context, runID string) (model.Report, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM reports WHERE run_id = ?`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Report{}, ErrNotFound
	}
	if err != nil {
		return model.Report{}, &StorageError{Op: "load", RunID: runID, Err: err}
	}
	var rep model.Report
	if err := json.Unmarshal([]byte(body), &rep); err != nil {
		return model.Report{}, &StorageError{Op: "load", RunID: runID, Err: err}
	}
	return rep, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
