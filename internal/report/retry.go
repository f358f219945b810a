package report

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// transientSQLState returns the SQLSTATE of a serialization failure or
// deadlock, or "" for any other error.
func transientSQLState(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return pgErr.Code
	default:
		return ""
	}
}

// withRetry runs fn for the given run, retrying transient conflicts up to
// s.maxRetries times with jittered exponential backoff from s.baseDelay.
func (s *PostgresStore) withRetry(ctx context.Context, runID string, fn func() error) error {
	delay := s.baseDelay
	var err error
	for attempt := range s.maxRetries + 1 {
		err = fn()
		if err == nil {
			return nil
		}
		state := transientSQLState(err)
		if state == "" || attempt == s.maxRetries {
			return err
		}
		wait := delay
		if delay > 0 {
			wait += time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter only
		}
		s.logger.Warn("retrying report write",
			"run_id", runID, "attempt", attempt+1, "sqlstate", state, "backoff", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
	return err
}
