package convstate

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/shophost/core/database"
	"github.com/m3rciful/shophost/core/logger"
)

const upsertState = `INSERT INTO conversation_states (bot_id, chat_id, user_id, state, data, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (bot_id, chat_id, user_id) DO UPDATE
SET state = excluded.state, data = excluded.data, updated_at = excluded.updated_at`

// SQLStore keeps records in the conversation_states table.
// Every operation is a single auto-committed statement.
type SQLStore struct {
	db    *sqlx.DB
	retry database.RetryPolicy
	now   func() time.Time
}

// NewSQLStore returns a store over db.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, retry: database.DefaultRetry, now: time.Now}
}

type stateRow struct {
	State sql.NullString `db:"state"`
	Data  string         `db:"data"`
}

// Get loads the record for key. A missing row is an empty record.
func (s *SQLStore) Get(ctx context.Context, key Key) (Record, error) {
	var row stateRow
	err := database.Retry(ctx, s.retry, func(ctx context.Context) error {
		return s.db.GetContext(ctx, &row,
			s.db.Rebind(`SELECT state, data FROM conversation_states WHERE bot_id = ? AND chat_id = ? AND user_id = ?`),
			key.BotID, key.ChatID, key.UserID,
		)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return emptyRecord(), nil
	}
	if err != nil {
		return Record{}, s.fail(ctx, "get", key, err)
	}
	data, err := decodeData(row.Data)
	if err != nil {
		return Record{}, s.fail(ctx, "get", key, err)
	}
	return Record{State: row.State.String, Data: data}, nil
}

// Set upserts the record for key.
func (s *SQLStore) Set(ctx context.Context, key Key, state string, data map[string]any) error {
	raw, err := encodeData(data)
	if err != nil {
		return &StateStoreError{Op: "set", Key: key, Err: err}
	}
	st := sql.NullString{String: state, Valid: state != ""}
	err = database.Retry(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(upsertState),
			key.BotID, key.ChatID, key.UserID, st, raw, s.now().UnixMilli(),
		)
		return err
	})
	if err != nil {
		return s.fail(ctx, "set", key, err)
	}
	return nil
}

// Clear resets key to no state and empty data. The row is kept.
func (s *SQLStore) Clear(ctx context.Context, key Key) error {
	if err := s.Set(ctx, key, "", nil); err != nil {
		var stErr *StateStoreError
		if errors.As(err, &stErr) {
			stErr.Op = "clear"
		}
		return err
	}
	return nil
}

func (s *SQLStore) fail(ctx context.Context, op string, key Key, err error) error {
	stErr := &StateStoreError{Op: op, Key: key, Err: err}
	logger.Warn(ctx, "state", "state."+op,
		slog.String("status", "fail"),
		slog.Int64("bot_id", key.BotID),
		slog.Int64("chat_id", key.ChatID),
		slog.Int64("user_id", key.UserID),
		slog.Bool("retryable", stErr.Retryable()),
		slog.String("err", err.Error()),
	)
	return stErr
}
