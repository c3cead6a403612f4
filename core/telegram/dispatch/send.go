package dispatch

import (
	"context"
	"errors"
	"log/slog"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shophost/core/logger"
	"github.com/m3rciful/shophost/core/telegram/netutil"
	"github.com/m3rciful/shophost/core/telegram/sender"
)

// ErrNoRecipient is returned when the event has no chat to answer in.
var ErrNoRecipient = errors.New("dispatch: event has no recipient")

// Send answers in the event's chat. Provider events go through c so the
// outer middlewares see the message; submissions use the bot client directly.
func Send(c tele.Context, what interface{}, opts ...interface{}) error {
	dc := From(c)
	if dc == nil || dc.Submission == nil {
		return c.Send(what, opts...)
	}
	if dc.Recipient() == nil {
		return ErrNoRecipient
	}
	if dc.Client == nil {
		return errors.New("dispatch: no provider client")
	}
	_, err := dc.Client.Send(dc.Recipient(), what, opts...)
	return err
}

// SendText sends raw text (no parse mode) to the current recipient.
func SendText(c tele.Context, text string, opts ...*tele.SendOptions) error {
	if len(opts) > 0 && opts[0] != nil {
		return Send(c, text, opts[0])
	}
	return Send(c, text)
}

// SendAsync hands the send to the outbox. A missing, full or closed outbox
// sends inline.
func SendAsync(c tele.Context, action string, what interface{}, opts ...interface{}) error {
	run := func() error { return Send(c, what, opts...) }
	dc := From(c)
	if dc == nil || dc.Outbox == nil {
		return run()
	}
	// Queued sends outlive the webhook request that produced them.
	ctx := context.WithoutCancel(dc.Context())
	if err := dc.Outbox.Enqueue(ctx, action, "sendMessage", run); err != nil {
		if errors.Is(err, sender.ErrQueueFull) || errors.Is(err, sender.ErrQueueClosed) {
			logger.Warn(ctx, "sender", "queue.fallback",
				slog.String("action", action),
				slog.String("err", netutil.Redact(err)),
			)
			return run()
		}
		return err
	}
	return nil
}
