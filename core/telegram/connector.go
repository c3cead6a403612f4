package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shophost/core/logger"
	"github.com/m3rciful/shophost/core/telegram/netutil"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// WebhookSpec is what gets registered with the provider for one bot.
type WebhookSpec struct {
	URL            string
	AllowedUpdates []string
	SecretToken    string
}

// Connector builds provider clients for bot credentials on demand.
// All clients share one HTTP client so connections are pooled across bots.
type Connector struct {
	apiURL string
	client *http.Client
}

// NewConnector returns a Connector targeting apiURL (DefaultAPIURL when empty).
func NewConnector(apiURL string, client *http.Client) *Connector {
	apiURL = strings.TrimRight(strings.TrimSpace(apiURL), "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if client == nil {
		client = BuildHTTPClient(0)
	}
	return &Connector{apiURL: apiURL, client: client}
}

// Bot returns an offline, synchronous client bound to token.
// It never polls and never calls getMe; updates are fed to it by the gateway.
func (c *Connector) Bot(token string) (*tele.Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram: empty token")
	}
	bot, err := tele.NewBot(tele.Settings{
		URL:         c.apiURL,
		Token:       token,
		Client:      c.client,
		Offline:     true,
		Synchronous: true,
		OnError:     c.errorSink,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: bot initialization failed: %s", netutil.Redact(err))
	}
	return bot, nil
}

// Probe verifies token with getMe and returns the bot account.
func (c *Connector) Probe(ctx context.Context, token string) (*tele.User, error) {
	data, err := c.call(ctx, token, "getMe", map[string]string{})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result tele.User `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("telegram: decode getMe: %w", err)
	}
	return &resp.Result, nil
}

// SetWebhook registers spec for token.
func (c *Connector) SetWebhook(ctx context.Context, token string, spec WebhookSpec) error {
	params := map[string]string{"url": spec.URL}
	if len(spec.AllowedUpdates) > 0 {
		allowed, err := json.Marshal(spec.AllowedUpdates)
		if err != nil {
			return err
		}
		params["allowed_updates"] = string(allowed)
	}
	if spec.SecretToken != "" {
		params["secret_token"] = spec.SecretToken
	}
	_, err := c.call(ctx, token, "setWebhook", params)
	return err
}

// DeleteWebhook removes any webhook registered for token. Pending updates are kept.
func (c *Connector) DeleteWebhook(ctx context.Context, token string) error {
	_, err := c.call(ctx, token, "deleteWebhook", map[string]string{"drop_pending_updates": "false"})
	return err
}

// SetCommands publishes the command menu for token.
func (c *Connector) SetCommands(ctx context.Context, token string, cmds []tele.Command) error {
	data, err := json.Marshal(cmds)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, token, "setMyCommands", map[string]string{"commands": string(data)})
	return err
}

// call runs one raw Bot API method. telebot does not take a context, so the call
// is abandoned (not aborted) when ctx ends; the HTTP client timeout bounds it.
func (c *Connector) call(ctx context.Context, token, method string, params map[string]string) ([]byte, error) {
	bot, err := c.Bot(token)
	if err != nil {
		return nil, err
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		data, err := bot.Raw(method, params)
		done <- result{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		lvl := slog.LevelDebug
		attrs := []slog.Attr{
			slog.String("op", method),
			slog.String("status", logger.Status(res.err)),
			slog.Duration("duration", logger.RoundMS(time.Since(start))),
		}
		if res.err != nil {
			lvl = slog.LevelWarn
			attrs = append(attrs,
				slog.Int("http_code", netutil.StatusCode(res.err)),
				slog.String("err_kind", netutil.Classify(res.err)),
				slog.String("err", netutil.Redact(res.err)),
			)
		}
		logger.Event(ctx, "telegram", lvl, "provider.call", attrs...)
		return res.data, res.err
	}
}

func (c *Connector) errorSink(err error, ctx tele.Context) {
	if err == nil {
		return
	}
	logger.GW.Warn("telebot error",
		slog.String("event", "telebot.error"),
		slog.String("err", netutil.Redact(err)),
	)
}
