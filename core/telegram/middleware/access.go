package middleware

import (
	"log/slog"
	"slices"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shophost/core/logger"
	"github.com/m3rciful/shophost/core/telegram/dispatch"
	"github.com/m3rciful/shophost/core/telegram/netutil"
)

// Rule decides whether an event may reach the handler.
type Rule func(c tele.Context, dc *dispatch.Context) (bool, error)

// AuthorizeOptions defines how authorization checks behave.
type AuthorizeOptions struct {
	Allow    Rule
	OnReject tele.HandlerFunc
}

// Authorize short-circuits the chain when opts.Allow denies the event.
// A rule error is returned to the outer middlewares.
func Authorize(opts AuthorizeOptions) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		if opts.Allow == nil {
			return next
		}
		return func(c tele.Context) error {
			dc := dispatch.From(c)
			ok, err := opts.Allow(c, dc)
			if err != nil {
				logger.Warn(dc.Context(), "gateway", "authorize.error",
					slog.String("status", "fail"),
					slog.String("err", netutil.Redact(err)),
				)
				return err
			}
			if !ok {
				markOutcome(c, "rejected")
				logger.Debug(dc.Context(), "gateway", "authorize.reject",
					slog.String("status", "rejected"),
				)
				if opts.OnReject != nil {
					return opts.OnReject(c)
				}
				return nil
			}
			return next(c)
		}
	}
}

// Protect wraps a single handler with an authorization rule.
func Protect(rule Rule, h tele.HandlerFunc, onReject tele.HandlerFunc) tele.HandlerFunc {
	return Authorize(AuthorizeOptions{Allow: rule, OnReject: onReject})(h)
}

// OwnerOnly admits only the owner of the bot.
func OwnerOnly() Rule {
	return func(_ tele.Context, dc *dispatch.Context) (bool, error) {
		if dc == nil || dc.Bot.OwnerID == 0 {
			return false, nil
		}
		return dc.Key.UserID == dc.Bot.OwnerID, nil
	}
}

// RequireState admits events whose conversation is in one of states.
// An empty state name matches conversations with no active flow.
func RequireState(states ...string) Rule {
	return func(_ tele.Context, dc *dispatch.Context) (bool, error) {
		if dc == nil {
			return false, nil
		}
		rec, err := dc.State.Get(dc.Context(), dc.Key.ChatID, dc.Key.UserID)
		if err != nil {
			return false, err
		}
		match := slices.Contains(states, rec.State)
		logger.Debug(dc.Context(), "state", "state.check",
			slog.String("state", rec.State),
			slog.Bool("match", match),
		)
		return match, nil
	}
}

// AllOf admits an event only when every rule does.
func AllOf(rules ...Rule) Rule {
	return func(c tele.Context, dc *dispatch.Context) (bool, error) {
		for _, r := range rules {
			ok, err := r(c, dc)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
}
