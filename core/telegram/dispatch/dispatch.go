// Package dispatch carries the per-event context resolved by the gateway:
// the bot, its provider client, a bot-bound state accessor and the event kind.
package dispatch

import (
	"context"
	"encoding/json"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shophost/core/botstore"
	"github.com/m3rciful/shophost/core/convstate"
	"github.com/m3rciful/shophost/core/logger"
	"github.com/m3rciful/shophost/core/telegram/sender"
)

// Kind is the category of an inbound event. Handlers are routed by Kind only.
type Kind string

const (
	KindMessage     Kind = "message"
	KindCallback    Kind = "callback"
	KindMembership  Kind = "membership"
	KindChannelPost Kind = "channel_post"
	KindInlineQuery Kind = "inline_query"
	KindSubmission  Kind = "submission"
	KindOther       Kind = "other"
)

// AllowedUpdates are the provider update types the dispatcher understands.
func AllowedUpdates() []string {
	return []string{"message", "callback_query", "my_chat_member", "chat_member", "channel_post", "inline_query"}
}

// KindOf classifies an update.
func KindOf(u tele.Update) Kind {
	switch {
	case u.Message != nil:
		return KindMessage
	case u.Callback != nil:
		return KindCallback
	case u.MyChatMember != nil, u.ChatMember != nil:
		return KindMembership
	case u.ChannelPost != nil:
		return KindChannelPost
	case u.Query != nil:
		return KindInlineQuery
	}
	return KindOther
}

// Submission is a structured action posted by a front-end client outside the chat flow.
type Submission struct {
	Kind    string          `json:"kind"`
	ChatID  int64           `json:"chat_id"`
	UserID  int64           `json:"user_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Context is the ephemeral bundle for one inbound event.
type Context struct {
	Bot        botstore.Bot
	Client     *tele.Bot
	State      convstate.Accessor
	Kind       Kind
	Key        convstate.Key
	Submission *Submission
	// Outbox, when set, carries SendAsync deliveries off the event path.
	Outbox *sender.Dispatcher

	ctx context.Context
}

// New builds a dispatch context and its logging context.
func New(parent context.Context, bot botstore.Bot, client *tele.Bot, store convstate.Store, u tele.Update) *Context {
	dc := &Context{
		Bot:    bot,
		Client: client,
		State:  convstate.Bind(store, bot.ID),
		Kind:   KindOf(u),
	}
	dc.Key = keyOf(bot.ID, u)
	dc.ctx = dc.buildContext(parent, u.ID)
	return dc
}

// NewSubmission builds a dispatch context for a data-plane submission.
func NewSubmission(parent context.Context, bot botstore.Bot, client *tele.Bot, store convstate.Store, sub Submission) *Context {
	dc := &Context{
		Bot:        bot,
		Client:     client,
		State:      convstate.Bind(store, bot.ID),
		Kind:       KindSubmission,
		Key:        convstate.Key{BotID: bot.ID, ChatID: sub.ChatID, UserID: sub.UserID},
		Submission: &sub,
	}
	dc.ctx = dc.buildContext(parent, 0)
	return dc
}

func (d *Context) buildContext(parent context.Context, updateID int) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	ctx := logger.WithRID(parent, logger.BuildRID(d.Bot.ID, updateID, d.Key.ChatID))
	ctx = logger.WithDispatchMeta(ctx, logger.DispatchMeta{
		UpdateID: updateID,
		BotID:    d.Bot.ID,
		ChatID:   d.Key.ChatID,
		UserID:   d.Key.UserID,
		Kind:     string(d.Kind),
	})
	return logger.WithLogger(ctx, logger.GW)
}

// Context returns the logging/cancellation context of the event.
func (d *Context) Context() context.Context {
	if d == nil || d.ctx == nil {
		return context.Background()
	}
	return d.ctx
}

// SetContext replaces the event context, e.g. to add handler metadata.
func (d *Context) SetContext(ctx context.Context) {
	if d != nil && ctx != nil {
		d.ctx = ctx
	}
}

// Recipient returns the chat the event belongs to, or nil when there is none.
func (d *Context) Recipient() tele.Recipient {
	if d == nil || d.Key.ChatID == 0 {
		return nil
	}
	return tele.ChatID(d.Key.ChatID)
}

const contextKey = "dispatch"

// Attach stores dc in the telebot context for downstream middleware and handlers.
func Attach(c tele.Context, dc *Context) {
	if c == nil || dc == nil {
		return
	}
	c.Set(contextKey, dc)
}

// From returns the dispatch context attached to c, or nil.
func From(c tele.Context) *Context {
	if c == nil {
		return nil
	}
	if dc, ok := c.Get(contextKey).(*Context); ok {
		return dc
	}
	return nil
}

// StdContext returns the event context attached to c, or context.Background.
func StdContext(c tele.Context) context.Context {
	return From(c).Context()
}

// WithHandler records the handler name on the event context.
func WithHandler(c tele.Context, handler string) context.Context {
	dc := From(c)
	ctx := dc.Context()
	if handler == "" || dc == nil {
		return ctx
	}
	ctx = logger.WithHandler(ctx, handler)
	dc.SetContext(ctx)
	return ctx
}

func keyOf(botID int64, u tele.Update) convstate.Key {
	key := convstate.Key{BotID: botID}
	var chat *tele.Chat
	var user *tele.User
	switch {
	case u.Message != nil:
		chat, user = u.Message.Chat, u.Message.Sender
	case u.Callback != nil:
		user = u.Callback.Sender
		if u.Callback.Message != nil {
			chat = u.Callback.Message.Chat
		}
	case u.MyChatMember != nil:
		chat, user = u.MyChatMember.Chat, u.MyChatMember.Sender
	case u.ChatMember != nil:
		chat, user = u.ChatMember.Chat, u.ChatMember.Sender
	case u.ChannelPost != nil:
		chat = u.ChannelPost.Chat
	case u.Query != nil:
		user = u.Query.Sender
	}
	if chat != nil {
		key.ChatID = chat.ID
	}
	if user != nil {
		key.UserID = user.ID
		if key.ChatID == 0 {
			key.ChatID = user.ID
		}
	}
	return key
}
