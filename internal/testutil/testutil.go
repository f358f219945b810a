// Package testutil provides shared test infrastructure for integration tests
// that need a Postgres container.
//
// Usage:
//
//	func TestPostgresSomething(t *testing.T) {
//	    tc := testutil.StartPostgres(t)
//	    store, err := report.NewPostgresStore(ctx, tc.DSN, testutil.TestLogger())
//	    ...
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres starts a throwaway Postgres container and registers its
// termination with t.Cleanup. The test is skipped under -short or when no
// container runtime is available.
func StartPostgres(t *testing.T) *TestContainer {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in -short mode")
	}

	tc, err := startPostgres(context.Background())
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(tc.Terminate)
	return tc
}

func startPostgres(ctx context.Context) (tc *TestContainer, err error) {
	// testcontainers panics when no Docker daemon can be found.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("testutil: start container: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "selfplay",
			"POSTGRES_PASSWORD": "selfplay",
			"POSTGRES_DB":       "selfplay",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("testutil: start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: container port: %w", err)
	}

	dsn := fmt.Sprintf("postgres://selfplay:selfplay@%s:%s/selfplay?sslmode=disable", host, port.Port())
	return &TestContainer{Container: container, DSN: dsn}, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
