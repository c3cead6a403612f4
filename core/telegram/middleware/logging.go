package middleware

import (
	"log/slog"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shophost/core/logger"
	"github.com/m3rciful/shophost/core/telegram/dispatch"
	"github.com/m3rciful/shophost/core/telegram/netutil"
)

// Logger writes one receipt line before the handler and one result line
// after it. Only the payload detail of the receipt is sampled. It never
// alters control flow; panics are logged and re-raised.
func Logger(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) (err error) {
		start := time.Now()
		dc := dispatch.From(c)
		ctx := dc.Context()

		logger.Info(ctx, "gateway", "update.received", receiptAttrs(c, dc, logger.ShouldSampleDebug())...)

		panicked := true
		defer func() {
			res := resolveOutcome(c, err, panicked)
			msgs, kb := GetCounters(c)
			attrs := []slog.Attr{
				slog.String("status", statusOf(res)),
				slog.String("outcome", res),
				slog.Duration("duration", logger.Took(start)),
				slog.Int("messages", msgs),
				slog.Bool("kb", kb),
			}
			if h := logger.HandlerFrom(dc.Context()); h != "" {
				attrs = append(attrs, slog.String("handler", h))
			}
			if err != nil {
				attrs = append(attrs, slog.String("err", netutil.Redact(err)))
			}
			lvl := slog.LevelInfo
			if statusOf(res) == "fail" {
				lvl = slog.LevelWarn
			}
			logger.Event(dc.Context(), "gateway", lvl, "update.done", attrs...)
		}()

		err = next(c)
		panicked = false
		return err
	}
}

const outcomeKey = "outcome"

// markOutcome records a short-circuit outcome (rejected, rate_limited) for
// the outer logging and metrics middlewares.
func markOutcome(c tele.Context, res string) {
	c.Set(outcomeKey, res)
}

func resolveOutcome(c tele.Context, err error, panicked bool) string {
	if panicked {
		return "panic"
	}
	if err != nil {
		return outcome(err)
	}
	if res, ok := c.Get(outcomeKey).(string); ok && res != "" {
		return res
	}
	return "ok"
}

func statusOf(res string) string {
	switch res {
	case "ok", "retried":
		return "ok"
	case "rejected", "rate_limited":
		return res
	}
	return "fail"
}

func receiptAttrs(c tele.Context, dc *dispatch.Context, detail bool) []slog.Attr {
	attrs := []slog.Attr{slog.String("status", "ok")}
	if dc != nil {
		attrs = append(attrs,
			slog.Int64("bot_id", dc.Bot.ID),
			slog.String("conv_key", dc.Key.String()),
			slog.String("kind", string(dc.Kind)),
		)
		if dc.Submission != nil {
			return append(attrs, slog.String("submission", logger.SanitizeLimit(dc.Submission.Kind, 64)))
		}
	}
	if !detail {
		return attrs
	}
	if user := c.Sender(); user != nil {
		if user.Username != "" {
			attrs = append(attrs, slog.String("username", logger.SanitizeLimit(user.Username, 64)))
		}
		if user.LanguageCode != "" {
			attrs = append(attrs, slog.String("lang", user.LanguageCode))
		}
	}
	upd := c.Update()
	switch {
	case upd.Callback != nil:
		key, payload := parseCallback(upd.Callback)
		if key != "" {
			attrs = append(attrs, slog.String("cb_key", logger.SanitizeLimit(key, 128)))
		}
		if payload != "" {
			attrs = append(attrs, slog.String("payload", logger.SanitizeLimit(payload, 256)))
		}
	case upd.Message != nil:
		if t := upd.Message.Text; t != "" {
			attrs = append(attrs, slog.String("payload", logger.SanitizeLimit(t, 256)))
		}
	}
	return attrs
}

func parseCallback(cb *tele.Callback) (string, string) {
	if cb == nil {
		return "", ""
	}
	if cb.Unique != "" {
		return cb.Unique, cb.Data
	}
	raw := strings.TrimPrefix(cb.Data, "\f")
	parts := strings.SplitN(raw, "|", 2)
	key := strings.TrimSpace(parts[0])
	payload := ""
	if len(parts) == 2 {
		payload = parts[1]
	}
	return key, payload
}
