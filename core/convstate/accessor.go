package convstate

import (
	"context"
	"errors"
)

var errNoStore = errors.New("convstate: accessor has no store")

// Accessor is a Store view bound to one bot. Handlers receive it through the dispatch context.
type Accessor struct {
	store Store
	botID int64
}

// Bind returns an Accessor for botID.
func Bind(store Store, botID int64) Accessor {
	return Accessor{store: store, botID: botID}
}

// BotID returns the bound bot id.
func (a Accessor) BotID() int64 { return a.botID }

// Key builds the conversation key for chat and user under the bound bot.
func (a Accessor) Key(chatID, userID int64) Key {
	return Key{BotID: a.botID, ChatID: chatID, UserID: userID}
}

// Get loads the record of one conversation.
func (a Accessor) Get(ctx context.Context, chatID, userID int64) (Record, error) {
	if a.store == nil {
		return Record{}, errNoStore
	}
	return a.store.Get(ctx, a.Key(chatID, userID))
}

// Set replaces the record of one conversation.
func (a Accessor) Set(ctx context.Context, chatID, userID int64, state string, data map[string]any) error {
	if a.store == nil {
		return errNoStore
	}
	return a.store.Set(ctx, a.Key(chatID, userID), state, data)
}

// Clear ends the active flow of one conversation.
func (a Accessor) Clear(ctx context.Context, chatID, userID int64) error {
	if a.store == nil {
		return errNoStore
	}
	return a.store.Clear(ctx, a.Key(chatID, userID))
}

// SetState moves the conversation to state and keeps its data.
func (a Accessor) SetState(ctx context.Context, chatID, userID int64, state string) error {
	rec, err := a.Get(ctx, chatID, userID)
	if err != nil {
		return err
	}
	return a.Set(ctx, chatID, userID, state, rec.Data)
}

// UpdateData applies fn to the conversation data and stores the result with the current state.
func (a Accessor) UpdateData(ctx context.Context, chatID, userID int64, fn func(data map[string]any)) error {
	rec, err := a.Get(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	fn(rec.Data)
	return a.Set(ctx, chatID, userID, rec.State, rec.Data)
}
