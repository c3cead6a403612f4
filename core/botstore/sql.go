package botstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/shophost/core/database"
)

const selectBot = `SELECT bot_id, token, status, owner_id FROM bots`

// SQLRegistry reads and updates the bots table.
type SQLRegistry struct {
	db    *sqlx.DB
	retry database.RetryPolicy
	now   func() time.Time
}

// NewSQLRegistry returns a registry over db.
func NewSQLRegistry(db *sqlx.DB) *SQLRegistry {
	return &SQLRegistry{db: db, retry: database.DefaultRetry, now: time.Now}
}

// GetByID loads a bot by its platform id.
func (r *SQLRegistry) GetByID(ctx context.Context, id int64) (Bot, error) {
	return r.get(ctx, "get_by_id", selectBot+` WHERE bot_id = ?`, id)
}

// GetByToken loads a bot by its provider credential.
func (r *SQLRegistry) GetByToken(ctx context.Context, token string) (Bot, error) {
	return r.get(ctx, "get_by_token", selectBot+` WHERE token = ?`, token)
}

func (r *SQLRegistry) get(ctx context.Context, op, query string, arg any) (Bot, error) {
	var bot Bot
	err := database.Retry(ctx, r.retry, func(ctx context.Context) error {
		return r.db.GetContext(ctx, &bot, r.db.Rebind(query), arg)
	})
	switch {
	case err == nil:
		return bot, nil
	case errors.Is(err, sql.ErrNoRows):
		return Bot{}, ErrNotFound
	default:
		return Bot{}, &StoreError{Op: op, Err: err}
	}
}

// UpdateStatus sets the status of bot id.
func (r *SQLRegistry) UpdateStatus(ctx context.Context, id int64, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("botstore: invalid status %q", status)
	}
	var affected int64
	err := database.Retry(ctx, r.retry, func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx,
			r.db.Rebind(`UPDATE bots SET status = ?, updated_at = ? WHERE bot_id = ?`),
			string(status), r.now().UnixMilli(), id,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return &StoreError{Op: "update_status", Err: err}
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Create inserts a new bot. An empty status is stored as StatusNew.
func (r *SQLRegistry) Create(ctx context.Context, bot Bot) error {
	if err := ValidateToken(bot.Token); err != nil {
		return err
	}
	if bot.Status == "" {
		bot.Status = StatusNew
	}
	_, err := r.db.ExecContext(ctx,
		r.db.Rebind(`INSERT INTO bots (bot_id, token, status, owner_id, updated_at) VALUES (?, ?, ?, ?, ?)`),
		bot.ID, bot.Token, string(bot.Status), bot.OwnerID, r.now().UnixMilli(),
	)
	if err != nil {
		return &StoreError{Op: "create", Err: err}
	}
	return nil
}

// MarkDeleted flags the bot as deleted. Rows are never removed while state or jobs may reference them.
func (r *SQLRegistry) MarkDeleted(ctx context.Context, id int64) error {
	return r.UpdateStatus(ctx, id, StatusDeleted)
}
