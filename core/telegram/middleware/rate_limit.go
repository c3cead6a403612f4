package middleware

import (
	"log/slog"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shophost/core/convstate"
	"github.com/m3rciful/shophost/core/logger"
	"github.com/m3rciful/shophost/core/telegram/dispatch"
)

// RateLimitOptions configures behaviour of the rate limit middleware.
type RateLimitOptions struct {
	Interval time.Duration
	// Exclude lists event kinds that bypass limiting.
	Exclude   map[dispatch.Kind]struct{}
	OnLimited tele.HandlerFunc
	Now       func() time.Time
}

// sweepEvery bounds how many admissions happen between pruning stale keys.
const sweepEvery = 1024

// RateLimit enforces a minimum interval between events of the same
// conversation (bot, chat, user). Limited events are dropped.
func RateLimit(opts RateLimitOptions) tele.MiddlewareFunc {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	var (
		mu       sync.Mutex
		lastSeen = make(map[convstate.Key]time.Time)
		admitted int
	)
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			dc := dispatch.From(c)
			if dc == nil || opts.Interval <= 0 || dc.Key.UserID == 0 {
				return next(c)
			}
			if _, skip := opts.Exclude[dc.Kind]; skip {
				return next(c)
			}

			ts := now()
			mu.Lock()
			if last, ok := lastSeen[dc.Key]; ok && ts.Sub(last) < opts.Interval {
				mu.Unlock()
				markOutcome(c, "rate_limited")
				logger.Warn(dc.Context(), "gateway", "rate_limit",
					slog.String("status", "rate_limited"),
					slog.Duration("interval", opts.Interval),
				)
				if opts.OnLimited != nil {
					_ = opts.OnLimited(c)
				}
				return nil
			}
			lastSeen[dc.Key] = ts
			admitted++
			if admitted%sweepEvery == 0 {
				for k, seen := range lastSeen {
					if ts.Sub(seen) >= opts.Interval {
						delete(lastSeen, k)
					}
				}
			}
			mu.Unlock()
			return next(c)
		}
	}
}

// ParseKinds converts configured update names into event kinds.
func ParseKinds(names []string) map[dispatch.Kind]struct{} {
	out := make(map[dispatch.Kind]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		out[dispatch.Kind(n)] = struct{}{}
	}
	return out
}
