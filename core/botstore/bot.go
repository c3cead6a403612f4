// Package botstore resolves hosted bots by id or provider credential.
package botstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/m3rciful/shophost/core/database"
)

// Status is the lifecycle state of a hosted bot.
type Status string

const (
	StatusNew     Status = "new"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusDeleted Status = "deleted"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusOnline, StatusOffline, StatusDeleted:
		return true
	}
	return false
}

// Bot is one tenant's configured bot.
type Bot struct {
	ID      int64  `db:"bot_id"`
	Token   string `db:"token"`
	Status  Status `db:"status"`
	OwnerID int64  `db:"owner_id"`
}

// LogValue keeps the credential out of structured logs.
func (b Bot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("id", b.ID),
		slog.String("status", string(b.Status)),
		slog.Int64("owner_id", b.OwnerID),
	)
}

var (
	// ErrNotFound is returned when no bot matches the lookup.
	ErrNotFound = errors.New("botstore: bot not found")
	// ErrMalformedToken is returned for credentials that cannot be a Bot API token.
	ErrMalformedToken = errors.New("botstore: malformed bot token")
)

var tokenRe = regexp.MustCompile(`^[0-9]+:[A-Za-z0-9_-]+$`)

// ValidateToken checks the "<bot id>:<secret>" credential shape.
func ValidateToken(token string) error {
	if !tokenRe.MatchString(token) {
		return ErrMalformedToken
	}
	return nil
}

// StoreError wraps a storage failure. It never wraps ErrNotFound.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("botstore: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Retryable reports whether the failure was a transient connectivity error.
func (e *StoreError) Retryable() bool { return database.IsTransient(e.Err) }

// Registry is the read path used by the gateway and the lifecycle manager.
type Registry interface {
	GetByID(ctx context.Context, id int64) (Bot, error)
	GetByToken(ctx context.Context, token string) (Bot, error)
	UpdateStatus(ctx context.Context, id int64, status Status) error
}
