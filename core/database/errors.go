package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/m3rciful/shophost/core/telegram/netutil"
)

// IsTransient reports whether err is a connectivity-class failure worth retrying.
// Constraint violations, syntax errors and missing rows are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53":
			return true
		}
		switch pqErr.Code {
		case "57P01", "57P02", "57P03", "40001", "40P01":
			return true
		}
		return false
	}
	return netutil.ShouldRetry(err)
}

// RetryPolicy bounds retries of a single statement.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetry is used by the stores for one state, job or registry statement.
var DefaultRetry = RetryPolicy{Attempts: 3, Backoff: 100 * time.Millisecond}

// Retry runs fn until it succeeds, fails with a non-transient error, or attempts run out.
// The backoff grows linearly with the attempt number.
func Retry(ctx context.Context, p RetryPolicy, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil || !IsTransient(err) || attempt == attempts {
			return err
		}
		timer := time.NewTimer(p.Backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
