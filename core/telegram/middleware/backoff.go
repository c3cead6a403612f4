package middleware

import (
	"context"
	"log/slog"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shophost/core/logger"
	"github.com/m3rciful/shophost/core/telegram/netutil"
)

// DefaultBackoffMax caps the flood-wait sleep when no limit is configured.
const DefaultBackoffMax = 30 * time.Second

// BackoffOptions configures the flood-wait retry.
type BackoffOptions struct {
	Max   time.Duration
	Sleep func(ctx context.Context, d time.Duration) error
}

// Backoff re-invokes the handler once after the provider asks to slow down.
// The sleep is the reported retry-after capped by Max; other errors pass through.
func Backoff(opts BackoffOptions) tele.MiddlewareFunc {
	limit := opts.Max
	if limit <= 0 {
		limit = DefaultBackoffMax
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			err := next(c)
			wait, flood := netutil.RetryAfter(err)
			if !flood {
				return err
			}
			wait = min(wait, limit)

			ctx := stdContext(c)
			logger.Warn(ctx, "gateway", "handler.backoff",
				slog.String("status", "retry"),
				slog.Duration("retry_after", wait),
			)
			if serr := sleep(ctx, wait); serr != nil {
				return err
			}
			err = next(c)
			if err == nil {
				markOutcome(c, "retried")
			}
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
