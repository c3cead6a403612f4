package convstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/shophost/core/database"
	"github.com/m3rciful/shophost/core/logger"
)

// DefaultSignalTTL applies when Put is called without a positive ttl.
const DefaultSignalTTL = 24 * time.Hour

const upsertSignal = `INSERT INTO pending_signals (bot_id, namespace, signal_key, payload, expires_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (bot_id, namespace, signal_key) DO UPDATE
SET payload = excluded.payload, expires_at = excluded.expires_at`

// SignalStore correlates events across handlers, such as a pending question
// waiting for the operator's reply. Entries are single-use and expire.
type SignalStore struct {
	db    *sqlx.DB
	retry database.RetryPolicy
	now   func() time.Time
}

// NewSignalStore returns a store over the pending_signals table.
func NewSignalStore(db *sqlx.DB) *SignalStore {
	return &SignalStore{db: db, retry: database.DefaultRetry, now: time.Now}
}

// Put stores payload under (botID, namespace, key), replacing any previous entry.
func (s *SignalStore) Put(ctx context.Context, botID int64, namespace, key string, payload any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultSignalTTL
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("convstate: encode signal: %w", err)
	}
	expires := s.now().Add(ttl).UnixMilli()
	err = database.Retry(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(upsertSignal), botID, namespace, key, string(raw), expires)
		return err
	})
	if err != nil {
		return &StateStoreError{Op: "signal.put", Key: Key{BotID: botID}, Err: err}
	}
	return nil
}

// Take removes and returns the entry. Expired entries are removed and reported as absent.
func (s *SignalStore) Take(ctx context.Context, botID int64, namespace, key string) (json.RawMessage, bool, error) {
	var row struct {
		Payload   string `db:"payload"`
		ExpiresAt int64  `db:"expires_at"`
	}
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`DELETE FROM pending_signals WHERE bot_id = ? AND namespace = ? AND signal_key = ? RETURNING payload, expires_at`),
		botID, namespace, key,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &StateStoreError{Op: "signal.take", Key: Key{BotID: botID}, Err: err}
	}
	if row.ExpiresAt <= s.now().UnixMilli() {
		return nil, false, nil
	}
	return json.RawMessage(row.Payload), true, nil
}

// Purge deletes entries that expired at or before now and returns how many were removed.
func (s *SignalStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM pending_signals WHERE expires_at <= ?`), now.UnixMilli())
	if err != nil {
		return 0, &StateStoreError{Op: "signal.purge", Err: err}
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.Debug(ctx, "state", "signal.purge",
			slog.String("status", "ok"),
			slog.Int64("count", n),
		)
	}
	return n, nil
}
