// Package gateway is the single webhook ingress shared by every hosted bot.
// It resolves the bot from the credential in the path, builds the per-event
// dispatch context and runs the middleware chain around the router.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shophost/core/botstore"
	"github.com/m3rciful/shophost/core/convstate"
	"github.com/m3rciful/shophost/core/database"
	"github.com/m3rciful/shophost/core/lifecycle"
	"github.com/m3rciful/shophost/core/logger"
	"github.com/m3rciful/shophost/core/telegram"
	"github.com/m3rciful/shophost/core/telegram/dispatch"
	"github.com/m3rciful/shophost/core/telegram/netutil"
	"github.com/m3rciful/shophost/core/telegram/router"
	"github.com/m3rciful/shophost/core/telegram/sender"
)

// SecretHeader carries the per-bot webhook secret set on setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const defaultMaxBody = 1 << 20

// ErrInvalidSubmission is returned for submissions that cannot be dispatched.
var ErrInvalidSubmission = errors.New("gateway: invalid submission")

// ClientFactory builds provider clients bound to a credential.
// *telegram.Connector satisfies it.
type ClientFactory interface {
	Bot(token string) (*tele.Bot, error)
}

// Options wires a Gateway.
type Options struct {
	Registry    botstore.Registry
	Clients     ClientFactory
	Store       convstate.Store
	Router      *router.Router
	Middlewares []telegram.Middleware
	// Outbox is attached to every dispatch context for SendAsync.
	Outbox  *sender.Dispatcher
	Metrics *Metrics
	// SecretKey enables the secret header check. Empty disables it.
	SecretKey    string
	MaxBodyBytes int64
	// Retry bounds credential lookups that fail with a transient store error.
	Retry database.RetryPolicy
}

// Gateway demultiplexes provider webhooks to hosted bots.
type Gateway struct {
	opts    Options
	handler tele.HandlerFunc

	mu      sync.RWMutex
	clients map[string]*tele.Bot
}

// New validates opts and composes the handler chain once.
func New(opts Options) (*Gateway, error) {
	if opts.Registry == nil || opts.Clients == nil || opts.Router == nil {
		return nil, errors.New("gateway: registry, clients and router are required")
	}
	if opts.Store == nil {
		return nil, errors.New("gateway: conversation state store is required")
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = database.RetryPolicy{Attempts: 2, Backoff: 200 * time.Millisecond}
	}
	return &Gateway{
		opts:    opts,
		handler: telegram.Wrap(opts.Router.Handler(), opts.Middlewares),
		clients: make(map[string]*tele.Bot),
	}, nil
}

// Routes returns the ingress handler: POST /webhook/bot/{token}.
func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+lifecycle.WebhookPrefix+"{token}", g.handleWebhook)
	return mux
}

func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := logger.WithLogger(r.Context(), logger.GW)
	token := r.PathValue("token")

	if !g.secretMatches(token, r.Header.Get(SecretHeader)) {
		g.reject(ctx, w, http.StatusForbidden, "", "forbidden", "secret_mismatch")
		return
	}

	var update tele.Update
	body := http.MaxBytesReader(w, r.Body, g.opts.MaxBodyBytes)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(&update); err != nil {
		g.reject(ctx, w, http.StatusBadRequest, "", "bad_request", "undecodable_body")
		return
	}
	kind := dispatch.KindOf(update)

	bot, err := g.resolve(ctx, token)
	switch {
	case errors.Is(err, botstore.ErrNotFound):
		g.reject(ctx, w, http.StatusNotFound, kind, "rejected", "unknown_credential")
		return
	case err != nil:
		// Acknowledge anyway so the provider does not redeliver into a failing store.
		logger.Error(ctx, "gateway", "update.dropped",
			slog.String("status", "dropped"),
			slog.String("kind", string(kind)),
			slog.Int("update_id", update.ID),
			slog.String("err_kind", "store"),
			slog.String("err", netutil.Redact(err)),
			slog.Bool("alert", true),
		)
		g.opts.Metrics.event(string(kind), "dropped")
		w.WriteHeader(http.StatusOK)
		return
	}

	client, err := g.client(bot.Token)
	if err != nil {
		logger.Error(logger.WithBotID(ctx, bot.ID), "gateway", "update.dropped",
			slog.String("status", "dropped"),
			slog.String("kind", string(kind)),
			slog.String("err_kind", "client"),
			slog.String("err", netutil.Redact(err)),
			slog.Bool("alert", true),
		)
		g.opts.Metrics.event(string(kind), "dropped")
		w.WriteHeader(http.StatusOK)
		return
	}

	c := client.NewContext(update)
	dc := dispatch.New(ctx, bot, client, g.opts.Store, update)
	dc.Outbox = g.opts.Outbox
	dispatch.Attach(c, dc)

	outcome := g.run(c, dc)

	g.opts.Metrics.event(string(kind), outcome)
	logger.Debug(dc.Context(), "gateway", "update.ack",
		slog.String("status", "ok"),
		slog.String("outcome", outcome),
		slog.Duration("duration", logger.RoundMS(time.Since(start))),
	)
	w.WriteHeader(http.StatusOK)
}

// Submit runs a data-plane submission for botID through the same chain as
// provider events. Unknown bots yield botstore.ErrNotFound; a malformed
// credential yields botstore.ErrMalformedToken; an unknown kind yields
// router.ErrUnknownSubmission. Handler failures are reported by the chain
// and never returned.
func (g *Gateway) Submit(ctx context.Context, botID int64, sub dispatch.Submission) error {
	ctx = logger.WithBotID(logger.WithLogger(ctx, logger.GW), botID)

	var bot botstore.Bot
	err := database.Retry(ctx, g.opts.Retry, func(ctx context.Context) error {
		var err error
		bot, err = g.opts.Registry.GetByID(ctx, botID)
		return err
	})
	if err != nil {
		return err
	}
	if bot.Status == botstore.StatusDeleted {
		return fmt.Errorf("%w: bot %d is deleted", botstore.ErrNotFound, botID)
	}
	if err := botstore.ValidateToken(bot.Token); err != nil {
		return err
	}
	if !g.opts.Router.HasSubmission(sub.Kind) {
		return fmt.Errorf("%w: %q", router.ErrUnknownSubmission, sub.Kind)
	}
	if sub.ChatID == 0 && sub.UserID == 0 {
		return fmt.Errorf("%w: chat_id or user_id is required", ErrInvalidSubmission)
	}
	if sub.ChatID == 0 {
		sub.ChatID = sub.UserID
	}

	client, err := g.client(bot.Token)
	if err != nil {
		return err
	}

	c := client.NewContext(tele.Update{})
	dc := dispatch.NewSubmission(ctx, bot, client, g.opts.Store, sub)
	dc.Outbox = g.opts.Outbox
	dispatch.Attach(c, dc)

	g.opts.Metrics.event(string(dispatch.KindSubmission), g.run(c, dc))
	return nil
}

// run executes the chain. Whatever escapes it is logged and the event is
// still acknowledged.
func (g *Gateway) run(c tele.Context, dc *dispatch.Context) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(dc.Context(), "gateway", "handler.unhandled",
				slog.String("status", "fail"),
				slog.String("outcome", "panic"),
				slog.String("panic", logger.RedactSecrets(fmt.Sprint(r))),
				slog.Bool("alert", true),
			)
			outcome = "panic"
		}
	}()
	if err := g.handler(c); err != nil {
		logger.Error(dc.Context(), "gateway", "handler.unhandled",
			slog.String("status", "fail"),
			slog.String("outcome", "error"),
			slog.String("err", netutil.Redact(err)),
			slog.Bool("alert", true),
		)
		return "error"
	}
	return "ok"
}

// Forget drops the cached client for token, e.g. after the bot was stopped.
func (g *Gateway) Forget(token string) {
	g.mu.Lock()
	delete(g.clients, token)
	g.mu.Unlock()
}

func (g *Gateway) resolve(ctx context.Context, token string) (botstore.Bot, error) {
	start := time.Now()
	defer func() { g.opts.Metrics.resolved(time.Since(start).Seconds()) }()

	if err := botstore.ValidateToken(token); err != nil {
		return botstore.Bot{}, botstore.ErrNotFound
	}
	var bot botstore.Bot
	err := database.Retry(ctx, g.opts.Retry, func(ctx context.Context) error {
		var err error
		bot, err = g.opts.Registry.GetByToken(ctx, token)
		return err
	})
	if err != nil {
		return botstore.Bot{}, err
	}
	if bot.Status == botstore.StatusDeleted {
		return botstore.Bot{}, botstore.ErrNotFound
	}
	return bot, nil
}

func (g *Gateway) client(token string) (*tele.Bot, error) {
	g.mu.RLock()
	b, ok := g.clients[token]
	g.mu.RUnlock()
	if ok {
		return b, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.clients[token]; ok {
		return b, nil
	}
	b, err := g.opts.Clients.Bot(token)
	if err != nil {
		return nil, err
	}
	g.clients[token] = b
	return b, nil
}

func (g *Gateway) secretMatches(token, got string) bool {
	if g.opts.SecretKey == "" {
		return true
	}
	want := lifecycle.SecretToken(g.opts.SecretKey, token)
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func (g *Gateway) reject(ctx context.Context, w http.ResponseWriter, code int, kind dispatch.Kind, outcome, reason string) {
	logger.Warn(ctx, "gateway", "update.rejected",
		slog.String("status", "rejected"),
		slog.String("reason", reason),
		slog.Int("http_code", code),
		slog.String("kind", string(kind)),
	)
	g.opts.Metrics.event(string(kind), outcome)
	http.Error(w, http.StatusText(code), code)
}
