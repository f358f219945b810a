package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/selfplay/internal/model"
	"github.com/ashita-ai/selfplay/migrations"
)

const (
	pgMaxRetries = 3
	pgBaseDelay  = 50 * time.Millisecond
)

// PostgresStore keeps reports in the selfplay_reports table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	maxRetries int
	baseDelay  time.Duration
}

// NewPostgresStore connects to dsn and applies the embedded migrations.
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("report: DATABASE_URL is required for the postgres backend")
	}
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("report: parse pool DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("report: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("report: ping pool: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger, maxRetries: pgMaxRetries, baseDelay: pgBaseDelay}
	if err := s.RunMigrations(ctx, migrations.FS); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Save(ctx context.Context, runID string, rep model.Report) (string, error) {
	body, err := json.Marshal(rep)
	if err != nil {
		return "", &StorageError{Op: "save", RunID: runID, Err: err}
	}
	err = s.withRetry(ctx, runID, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO selfplay_reports (run_id, report) VALUES ($1, $2::jsonb)
			ON CONFLICT (run_id) DO UPDATE SET report = EXCLUDED.report, updated_at = now()`,
			runID, string(body),
		)
		return err
	})
	if err != nil {
		return "", &StorageError{Op: "save", RunID: runID, Err: err}
	}
	return "postgres://selfplay_reports/" + runID, nil
}

func (s *PostgresStore) Load(ctx context.Context, runID string) (model.Report, error) {
	var body string
	err := s.pool.QueryRow(ctx, `SELECT report::text FROM selfplay_reports WHERE run_id = $1`, runID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
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

// Close shuts down the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// RunMigrations executes unapplied SQL migration files from migrationsFS in
// lexical order, recording each in schema_migrations so it runs at most once.
func (s *PostgresStore) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("report: create schema_migrations: %w", err)
	}

	applied, err := s.loadAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("report: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("report: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") || applied[name] {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("report: read migration %s: %w", name, err)
		}

		s.logger.Info("running migration", "file", name)
		if _, err := s.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("report: execute migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("report: record migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *PostgresStore) loadAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
