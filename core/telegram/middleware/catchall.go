package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shophost/core/logger"
	"github.com/m3rciful/shophost/core/report"
	"github.com/m3rciful/shophost/core/telegram/dispatch"
	"github.com/m3rciful/shophost/core/telegram/netutil"
)

// HandlerPanic is the error produced when a handler panics.
type HandlerPanic struct {
	Value any
	Stack []byte
}

func (p *HandlerPanic) Error() string {
	return fmt.Sprintf("handler panic: %v", p.Value)
}

var failureNotices = map[string]string{
	"en": "Something went wrong. We have been notified and will look into it.",
	"ru": "Что-то пошло не так. Мы уже получили уведомление и разберёмся.",
	"uk": "Щось пішло не так. Ми вже отримали сповіщення і розберемося.",
}

// FailureNotice returns the generic failure message for a language code.
func FailureNotice(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if msg, ok := failureNotices[lang]; ok {
		return msg
	}
	return failureNotices["en"]
}

// CatchAllOptions configures the outermost middleware.
type CatchAllOptions struct {
	Reporter report.Reporter
	// Notify delivers the failure notice to the user. Defaults to sending
	// through the bot client to the event's chat.
	Notify func(c tele.Context, dc *dispatch.Context, text string) error
}

// CatchAll recovers panics and swallows handler errors. The failure is logged
// with full context, the user gets a generic notice and operators get a report.
// It never returns an error, so the event is always acknowledged.
func CatchAll(opts CatchAllOptions) tele.MiddlewareFunc {
	notify := opts.Notify
	if notify == nil {
		notify = notifyUser
	}
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &HandlerPanic{Value: r, Stack: debug.Stack()}
				}
				if err != nil {
					handleFailure(c, opts.Reporter, notify, err)
				}
				err = nil
			}()
			return next(c)
		}
	}
}

func handleFailure(c tele.Context, rep report.Reporter, notify func(tele.Context, *dispatch.Context, string) error, err error) {
	dc := dispatch.From(c)
	ctx := dc.Context()

	inc := report.NewIncident(ctx, "middleware.catchall", err)
	var hp *HandlerPanic
	if errors.As(err, &hp) {
		inc.Panic = true
		inc.Stack = logger.RedactSecrets(string(hp.Stack))
	}

	attrs := []slog.Attr{
		slog.String("status", "fail"),
		slog.String("outcome", outcome(err)),
		slog.String("err", netutil.Redact(err)),
		slog.String("err_kind", netutil.Classify(err)),
		slog.String("incident_id", inc.ID),
	}
	if dc != nil {
		attrs = append(attrs, slog.String("conv_key", dc.Key.String()))
	}
	if inc.Panic {
		attrs = append(attrs, slog.String("stack", inc.Stack))
	}
	logger.Error(ctx, "gateway", "handler.failed", attrs...)

	if dc != nil && dc.Recipient() != nil {
		if nerr := notify(c, dc, FailureNotice(senderLang(c))); nerr != nil {
			logger.Warn(ctx, "gateway", "handler.notice.fail",
				slog.String("status", "fail"),
				slog.String("err", netutil.Redact(nerr)),
			)
		}
	}

	if rep == nil {
		return
	}
	if rerr := rep.Report(ctx, inc); rerr != nil {
		logger.Warn(ctx, "report", "incident.deliver.fail",
			slog.String("status", "fail"),
			slog.String("incident_id", inc.ID),
			slog.String("err", netutil.Redact(rerr)),
		)
	}
}

func notifyUser(_ tele.Context, dc *dispatch.Context, text string) error {
	if dc.Client == nil {
		return errors.New("middleware: no provider client")
	}
	_, err := dc.Client.Send(dc.Recipient(), text)
	return err
}

func senderLang(c tele.Context) string {
	if c == nil {
		return ""
	}
	if u := c.Sender(); u != nil {
		return u.LanguageCode
	}
	return ""
}

func outcome(err error) string {
	var hp *HandlerPanic
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &hp):
		return "panic"
	}
	return "fail"
}

// stdContext returns the event context for c.
func stdContext(c tele.Context) context.Context {
	return dispatch.StdContext(c)
}
