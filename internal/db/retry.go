package db

import (
	"context"
	"strings"
	"time"
)

// isRetryableErr identifies transient SQLite lock errors.
func isRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	// modernc/sqlite errors are commonly surfaced as strings containing these.
	return strings.Contains(s, "database is locked") ||
		strings.Contains(s, "sqlite_busy") ||
		strings.Contains(s, "database table is locked")
}

const writeAttempts = 4

// retryWrite runs fn until it succeeds, fails permanently or ctx is done.
// busy_timeout covers most contention; this handles the history reader
// holding the WAL checkpoint past it.
func retryWrite(ctx context.Context, fn func() error) error {
	backoff := 50 * time.Millisecond
	var err error
	for i := 0; i < writeAttempts; i++ {
		if err = fn(); !isRetryableErr(err) {
			return err
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		backoff *= 2
	}
	return err
}
