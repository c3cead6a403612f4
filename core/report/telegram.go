package report

import (
	"context"
	"errors"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"
)

const maxMessageLen = 4096

// messageSender is the part of *tele.Bot used for operator messages.
type messageSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramReporter posts incidents to an operator chat through an operator bot.
type TelegramReporter struct {
	bot    messageSender
	chatID int64
}

// NewTelegramReporter returns a reporter sending to chatID.
func NewTelegramReporter(bot messageSender, chatID int64) (*TelegramReporter, error) {
	if bot == nil {
		return nil, errors.New("report: nil operator bot")
	}
	if chatID == 0 {
		return nil, errors.New("report: operator chat id is required")
	}
	return &TelegramReporter{bot: bot, chatID: chatID}, nil
}

// Report sends inc as plain text, without the stack.
func (t *TelegramReporter) Report(_ context.Context, inc Incident) error {
	_, err := t.bot.Send(tele.ChatID(t.chatID), truncate(inc.Text(), maxMessageLen), &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - len("…")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
