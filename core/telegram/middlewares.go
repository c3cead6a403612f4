package telegram

import (
	"time"

	tele "gopkg.in/telebot.v4"

	coreconfig "github.com/m3rciful/shophost/core/config"
	"github.com/m3rciful/shophost/core/report"
	"github.com/m3rciful/shophost/core/telegram/dispatch"
	"github.com/m3rciful/shophost/core/telegram/middleware"
)

// Middleware is one named layer of the resilience chain.
type Middleware struct {
	Name string
	Use  tele.MiddlewareFunc
}

// ChainOptions carries the collaborators of the default chain.
type ChainOptions struct {
	Reporter  report.Reporter
	Metrics   *middleware.Metrics
	Authorize *middleware.AuthorizeOptions
	OnLimited tele.HandlerFunc
	Notify    func(c tele.Context, dc *dispatch.Context, text string) error
}

// DefaultMiddlewares builds the shared chain, outermost first:
// catch-all, logger, metrics, rate limit, authorize, backoff.
func DefaultMiddlewares(cfg *coreconfig.Config, opts ChainOptions) []Middleware {
	mws := []Middleware{
		{Name: "catchall", Use: middleware.CatchAll(middleware.CatchAllOptions{
			Reporter: opts.Reporter,
			Notify:   opts.Notify,
		})},
		{Name: "logger", Use: middleware.Logger},
		{Name: "metrics", Use: middleware.Instrument(opts.Metrics)},
	}

	backoffMax := middleware.DefaultBackoffMax
	if cfg != nil {
		interval := time.Duration(cfg.RateLimit.IntervalMS) * time.Millisecond
		if interval > 0 {
			mws = append(mws, Middleware{
				Name: "rate_limit",
				Use: middleware.RateLimit(middleware.RateLimitOptions{
					Interval:  interval,
					Exclude:   middleware.ParseKinds(cfg.RateLimit.ExcludeUpdates),
					OnLimited: opts.OnLimited,
				}),
			})
		}
		if cfg.Backoff.MaxSeconds > 0 {
			backoffMax = time.Duration(cfg.Backoff.MaxSeconds) * time.Second
		}
	}

	if opts.Authorize != nil {
		mws = append(mws, Middleware{Name: "authorize", Use: middleware.Authorize(*opts.Authorize)})
	}
	mws = append(mws, Middleware{Name: "backoff", Use: middleware.Backoff(middleware.BackoffOptions{Max: backoffMax})})
	return mws
}

// Wrap applies mws around h so that mws[0] runs first.
func Wrap(h tele.HandlerFunc, mws []Middleware) tele.HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i].Use != nil {
			h = mws[i].Use(h)
		}
	}
	return h
}
