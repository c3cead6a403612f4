// Package lifecycle turns a bot's webhook ingress on and off and keeps the
// registry status in step with the provider.
package lifecycle

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shophost/core/botstore"
	"github.com/m3rciful/shophost/core/logger"
	"github.com/m3rciful/shophost/core/telegram"
	"github.com/m3rciful/shophost/core/telegram/dispatch"
	"github.com/m3rciful/shophost/core/telegram/netutil"
)

// WebhookPrefix is the ingress path prefix; the credential follows it.
const WebhookPrefix = "/webhook/bot/"

// Provider is the set of Bot API control calls the manager needs.
// *telegram.Connector satisfies it.
type Provider interface {
	Probe(ctx context.Context, token string) (*tele.User, error)
	SetWebhook(ctx context.Context, token string, spec telegram.WebhookSpec) error
	DeleteWebhook(ctx context.Context, token string) error
	SetCommands(ctx context.Context, token string, cmds []tele.Command) error
}

// Options configures a Manager.
type Options struct {
	// BaseURL is the public origin the provider posts updates to.
	BaseURL string
	// SecretKey, when set, derives a per-bot webhook secret token.
	SecretKey string
	// Commands returns the command menu published on start; nil skips it.
	Commands func() []tele.Command
	// OnStop runs after a bot was stopped or deleted, e.g. to drop cached clients.
	OnStop func(bot botstore.Bot)
}

// Manager starts and stops bots.
type Manager struct {
	registry botstore.Registry
	provider Provider
	opts     Options
}

// New validates opts and returns a Manager.
func New(registry botstore.Registry, provider Provider, opts Options) (*Manager, error) {
	if registry == nil || provider == nil {
		return nil, errors.New("lifecycle: registry and provider are required")
	}
	opts.BaseURL = strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if opts.BaseURL == "" {
		return nil, errors.New("lifecycle: webhook base url is required")
	}
	return &Manager{registry: registry, provider: provider, opts: opts}, nil
}

// WebhookURL is the deterministic ingress URL for token.
func (m *Manager) WebhookURL(token string) string {
	return m.opts.BaseURL + WebhookPrefix + token
}

// SecretToken derives the webhook secret for token from key.
// It returns "" when key is empty.
func SecretToken(key, token string) string {
	if key == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// StartBot validates the credential, replaces the webhook and marks the bot online.
// The status is left unchanged on any failure.
func (m *Manager) StartBot(ctx context.Context, id int64) (botstore.Bot, error) {
	ctx = logger.WithBotID(ctx, id)
	bot, err := m.load(ctx, id)
	if err != nil {
		return botstore.Bot{}, err
	}
	if err := botstore.ValidateToken(bot.Token); err != nil {
		m.logFail(ctx, "start", err)
		return bot, err
	}

	if _, err := m.provider.Probe(ctx, bot.Token); err != nil {
		if isRejected(err) {
			m.logFail(ctx, "start", err)
			return bot, fmt.Errorf("%w: %s", ErrUnauthorized, netutil.Redact(err))
		}
		return bot, m.controlError(ctx, "getMe", err)
	}

	if err := m.provider.DeleteWebhook(ctx, bot.Token); err != nil && !isNothingToDelete(err) {
		return bot, m.controlError(ctx, "deleteWebhook", err)
	}
	spec := telegram.WebhookSpec{
		URL:            m.WebhookURL(bot.Token),
		AllowedUpdates: dispatch.AllowedUpdates(),
		SecretToken:    SecretToken(m.opts.SecretKey, bot.Token),
	}
	if err := m.provider.SetWebhook(ctx, bot.Token, spec); err != nil {
		return bot, m.controlError(ctx, "setWebhook", err)
	}

	if m.opts.Commands != nil {
		if cmds := m.opts.Commands(); len(cmds) > 0 {
			if err := m.provider.SetCommands(ctx, bot.Token, cmds); err != nil {
				logger.Warn(ctx, "lifecycle", "bot.commands.fail",
					slog.String("status", "fail"),
					slog.String("err", netutil.Redact(err)),
				)
			}
		}
	}

	if err := m.registry.UpdateStatus(ctx, id, botstore.StatusOnline); err != nil {
		m.logFail(ctx, "start", err)
		return bot, err
	}
	bot.Status = botstore.StatusOnline
	logger.Info(ctx, "lifecycle", "bot.start",
		slog.String("status", "ok"),
		slog.String("bot_status", string(bot.Status)),
	)
	return bot, nil
}

// StopBot deletes the webhook and marks the bot offline. A provider answer
// meaning there is nothing to delete counts as success. Other provider
// failures still mark the bot offline and are returned as
// *ProviderControlError alongside the bot. Deleted bots keep their status.
func (m *Manager) StopBot(ctx context.Context, id int64) (botstore.Bot, error) {
	ctx = logger.WithBotID(ctx, id)
	bot, err := m.registry.GetByID(ctx, id)
	if err != nil {
		m.logFail(ctx, "stop", err)
		return botstore.Bot{}, err
	}

	var ctrlErr error
	if err := m.provider.DeleteWebhook(ctx, bot.Token); err != nil && !isNothingToDelete(err) {
		ctrlErr = m.controlError(ctx, "deleteWebhook", err)
	}

	if bot.Status != botstore.StatusDeleted {
		if err := m.registry.UpdateStatus(ctx, id, botstore.StatusOffline); err != nil {
			m.logFail(ctx, "stop", err)
			return bot, err
		}
		bot.Status = botstore.StatusOffline
	}
	if m.opts.OnStop != nil {
		m.opts.OnStop(bot)
	}
	logger.Info(ctx, "lifecycle", "bot.stop",
		slog.String("status", logger.Status(ctrlErr)),
		slog.String("bot_status", string(bot.Status)),
	)
	return bot, ctrlErr
}

// DeleteBot tears down the webhook and marks the bot deleted. The row is kept
// because conversation state and jobs may still reference it.
func (m *Manager) DeleteBot(ctx context.Context, id int64) (botstore.Bot, error) {
	bot, err := m.StopBot(ctx, id)
	if err != nil {
		var pce *ProviderControlError
		if !errors.As(err, &pce) {
			return bot, err
		}
	}
	ctx = logger.WithBotID(ctx, id)
	if uerr := m.registry.UpdateStatus(ctx, id, botstore.StatusDeleted); uerr != nil {
		m.logFail(ctx, "delete", uerr)
		return bot, uerr
	}
	bot.Status = botstore.StatusDeleted
	return bot, err
}

// load fetches a bot for start. Deleted bots are reported as not found.
func (m *Manager) load(ctx context.Context, id int64) (botstore.Bot, error) {
	bot, err := m.registry.GetByID(ctx, id)
	if err != nil {
		m.logFail(ctx, "start", err)
		return botstore.Bot{}, err
	}
	if bot.Status == botstore.StatusDeleted {
		m.logFail(ctx, "start", botstore.ErrNotFound)
		return botstore.Bot{}, fmt.Errorf("%w: bot %d is deleted", botstore.ErrNotFound, id)
	}
	return bot, nil
}

func (m *Manager) controlError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		m.logFail(ctx, op, err)
		return &ProviderControlError{Op: op, Body: err.Error(), Err: err}
	}
	pce := &ProviderControlError{
		Op:         op,
		StatusCode: netutil.StatusCode(err),
		Body:       netutil.Redact(err),
		Err:        err,
	}
	logger.Warn(ctx, "lifecycle", "provider.control.fail",
		slog.String("status", "fail"),
		slog.String("op", op),
		slog.Int("http_code", pce.StatusCode),
		slog.String("err_kind", netutil.Classify(err)),
		slog.String("err", pce.Body),
	)
	return pce
}

func (m *Manager) logFail(ctx context.Context, op string, err error) {
	status := "fail"
	if errors.Is(err, botstore.ErrNotFound) || errors.Is(err, botstore.ErrMalformedToken) {
		status = "rejected"
	}
	logger.Warn(ctx, "lifecycle", "bot."+op,
		slog.String("status", status),
		slog.String("err", netutil.Redact(err)),
	)
}

// isRejected reports a credential the provider does not recognise.
func isRejected(err error) bool {
	return netutil.IsUnauthorized(err) || netutil.StatusCode(err) == http.StatusNotFound
}

// isNothingToDelete reports delete failures that mean the webhook is already gone.
func isNothingToDelete(err error) bool {
	return isRejected(err)
}
