package botstore

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/m3rciful/shophost/core/database/dbtest"
)

const testToken = "123456:AAE-shop_token"

func TestValidateToken(t *testing.T) {
	require.NoError(t, ValidateToken(testToken))
	for _, bad := range []string{"", "abc:def", "123456", "123456:", "123 456:abc", "123456:abc/def"} {
		require.ErrorIs(t, ValidateToken(bad), ErrMalformedToken, bad)
	}
}

func TestSQLRegistryLookups(t *testing.T) {
	ctx := context.Background()
	reg := NewSQLRegistry(dbtest.Open(t))
	require.NoError(t, reg.Create(ctx, Bot{ID: 7, Token: testToken, OwnerID: 99}))

	byID, err := reg.GetByID(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, Bot{ID: 7, Token: testToken, Status: StatusNew, OwnerID: 99}, byID)

	byToken, err := reg.GetByToken(ctx, testToken)
	require.NoError(t, err)
	require.Equal(t, byID, byToken)

	_, err = reg.GetByID(ctx, 8)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = reg.GetByToken(ctx, "1:missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLRegistryUpdateStatus(t *testing.T) {
	ctx := context.Background()
	reg := NewSQLRegistry(dbtest.Open(t))
	require.NoError(t, reg.Create(ctx, Bot{ID: 7, Token: testToken}))

	require.NoError(t, reg.UpdateStatus(ctx, 7, StatusOnline))
	bot, err := reg.GetByID(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, StatusOnline, bot.Status)

	require.NoError(t, reg.MarkDeleted(ctx, 7))
	bot, err = reg.GetByID(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, StatusDeleted, bot.Status)

	require.ErrorIs(t, reg.UpdateStatus(ctx, 8, StatusOnline), ErrNotFound)
	require.Error(t, reg.UpdateStatus(ctx, 7, Status("paused")))
}

func TestSQLRegistryCreateRejectsMalformedToken(t *testing.T) {
	reg := NewSQLRegistry(dbtest.Open(t))
	require.ErrorIs(t, reg.Create(context.Background(), Bot{ID: 1, Token: "nope"}), ErrMalformedToken)
}

func TestSQLRegistryClosedDatabase(t *testing.T) {
	db := dbtest.Open(t)
	reg := NewSQLRegistry(db)
	require.NoError(t, db.Close())

	_, err := reg.GetByID(context.Background(), 1)
	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	require.False(t, errors.Is(err, ErrNotFound))
	require.Equal(t, "get_by_id", storeErr.Op)
}

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(Bot{ID: 1, Token: testToken})

	bot, err := reg.GetByToken(ctx, testToken)
	require.NoError(t, err)
	require.Equal(t, StatusNew, bot.Status)

	require.NoError(t, reg.UpdateStatus(ctx, 1, StatusOffline))
	bot, err = reg.GetByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, StatusOffline, bot.Status)
	require.ErrorIs(t, reg.UpdateStatus(ctx, 2, StatusOffline), ErrNotFound)
}

func TestBotLogValueHidesToken(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	log.Info("bot", slog.Any("bot", Bot{ID: 7, Token: testToken, Status: StatusOnline}))
	require.NotContains(t, buf.String(), "AAE-shop_token")
	require.Contains(t, buf.String(), "bot.id=7")
}
