package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func TestUpStatementsCoverEveryTable(t *testing.T) {
	stmts, err := UpStatements()
	require.NoError(t, err)

	joined := strings.Join(stmts, "\n")
	for _, table := range []string{"bots", "conversation_states", "scheduled_jobs", "pending_signals"} {
		require.Contains(t, joined, "CREATE TABLE IF NOT EXISTS "+table)
	}
	require.True(t, strings.HasPrefix(stmts[0], "CREATE TABLE IF NOT EXISTS bots"))
}

func TestSelectApplied(t *testing.T) {
	files := []string{"0001_a.up.sql", "0002_b.up.sql", "0003_c.up.sql"}
	require.Equal(t, []string{"0002_b.up.sql", "0003_c.up.sql"}, selectApplied(files, 1, 3))
	require.Empty(t, selectApplied(files, 3, 3))
}

func TestIsTransient(t *testing.T) {
	require.True(t, IsTransient(driver.ErrBadConn))
	require.True(t, IsTransient(fmt.Errorf("wrapped: %w", &pq.Error{Code: "08006"})))
	require.True(t, IsTransient(&pq.Error{Code: "57P01"}))
	require.False(t, IsTransient(&pq.Error{Code: "23505"}))
	require.False(t, IsTransient(errors.New("syntax error")))
	require.False(t, IsTransient(nil))
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := &pq.Error{Code: "23505"}
	err := Retry(context.Background(), RetryPolicy{Attempts: 3, Backoff: time.Millisecond}, func(context.Context) error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 3, Backoff: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return driver.ErrBadConn
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}
