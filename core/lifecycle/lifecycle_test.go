package lifecycle

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shophost/core/botstore"
	"github.com/m3rciful/shophost/core/telegram"
)

const token = "1001:AAbbCCddEEffGGhhIIjjKKllMMnn"

type fakeProvider struct {
	calls     []string
	probeErr  error
	setErr    error
	deleteErr error
	cmdsErr   error
	webhook   telegram.WebhookSpec
	commands  []tele.Command
}

func (f *fakeProvider) Probe(_ context.Context, _ string) (*tele.User, error) {
	f.calls = append(f.calls, "getMe")
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return &tele.User{ID: 1001, IsBot: true}, nil
}

func (f *fakeProvider) SetWebhook(_ context.Context, _ string, spec telegram.WebhookSpec) error {
	f.calls = append(f.calls, "setWebhook")
	if f.setErr != nil {
		return f.setErr
	}
	f.webhook = spec
	return nil
}

func (f *fakeProvider) DeleteWebhook(context.Context, string) error {
	f.calls = append(f.calls, "deleteWebhook")
	return f.deleteErr
}

func (f *fakeProvider) SetCommands(_ context.Context, _ string, cmds []tele.Command) error {
	f.calls = append(f.calls, "setMyCommands")
	f.commands = cmds
	return f.cmdsErr
}

func newManager(t *testing.T, p *fakeProvider, bots ...botstore.Bot) (*Manager, *botstore.MemoryRegistry) {
	t.Helper()
	reg := botstore.NewMemoryRegistry(bots...)
	m, err := New(reg, p, Options{BaseURL: "https://hooks.example.com/", SecretKey: "k"})
	require.NoError(t, err)
	return m, reg
}

func status(t *testing.T, reg *botstore.MemoryRegistry, id int64) botstore.Status {
	t.Helper()
	b, err := reg.GetByID(context.Background(), id)
	require.NoError(t, err)
	return b.Status
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(botstore.NewMemoryRegistry(), &fakeProvider{}, Options{})
	require.Error(t, err)
	_, err = New(nil, &fakeProvider{}, Options{BaseURL: "https://x"})
	require.Error(t, err)
}

func TestStartBotRegistersWebhook(t *testing.T) {
	p := &fakeProvider{}
	m, reg := newManager(t, p, botstore.Bot{ID: 1, Token: token, Status: botstore.StatusNew})
	m.opts.Commands = func() []tele.Command { return []tele.Command{{Text: "start", Description: "Start"}} }

	bot, err := m.StartBot(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, botstore.StatusOnline, bot.Status)
	require.Equal(t, botstore.StatusOnline, status(t, reg, 1))

	require.Equal(t, []string{"getMe", "deleteWebhook", "setWebhook", "setMyCommands"}, p.calls)
	require.Equal(t, "https://hooks.example.com/webhook/bot/"+token, p.webhook.URL)
	require.Equal(t, []string{"message", "callback_query", "my_chat_member", "chat_member", "channel_post", "inline_query"}, p.webhook.AllowedUpdates)
	require.Equal(t, SecretToken("k", token), p.webhook.SecretToken)
	require.Len(t, p.webhook.SecretToken, 64)
	require.Len(t, p.commands, 1)
}

func TestStartBotUnknownDoesNotMutate(t *testing.T) {
	p := &fakeProvider{}
	m, _ := newManager(t, p)
	_, err := m.StartBot(context.Background(), 404)
	require.ErrorIs(t, err, botstore.ErrNotFound)
	_, err = m.StopBot(context.Background(), 404)
	require.ErrorIs(t, err, botstore.ErrNotFound)
	require.Empty(t, p.calls)
}

func TestStartBotMalformedToken(t *testing.T) {
	p := &fakeProvider{}
	m, reg := newManager(t, p, botstore.Bot{ID: 2, Token: "not a token", Status: botstore.StatusOffline})
	_, err := m.StartBot(context.Background(), 2)
	require.ErrorIs(t, err, botstore.ErrMalformedToken)
	require.Empty(t, p.calls)
	require.Equal(t, botstore.StatusOffline, status(t, reg, 2))
}

func TestStartBotUnauthorized(t *testing.T) {
	p := &fakeProvider{probeErr: tele.ErrUnauthorized}
	m, reg := newManager(t, p, botstore.Bot{ID: 3, Token: token, Status: botstore.StatusOffline})
	_, err := m.StartBot(context.Background(), 3)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, []string{"getMe"}, p.calls)
	require.Equal(t, botstore.StatusOffline, status(t, reg, 3))
}

func TestStartBotProbeTransportFailureIsNotUnauthorized(t *testing.T) {
	p := &fakeProvider{probeErr: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}
	m, _ := newManager(t, p, botstore.Bot{ID: 3, Token: token})
	_, err := m.StartBot(context.Background(), 3)
	require.NotErrorIs(t, err, ErrUnauthorized)
	var pce *ProviderControlError
	require.ErrorAs(t, err, &pce)
	require.Zero(t, pce.StatusCode)
}

func TestStartBotSetWebhookFailureKeepsStatus(t *testing.T) {
	p := &fakeProvider{setErr: errors.New("telegram: Bad Request: bad webhook: HTTPS url must be provided for webhook (400)")}
	m, reg := newManager(t, p, botstore.Bot{ID: 4, Token: token, Status: botstore.StatusOffline})
	_, err := m.StartBot(context.Background(), 4)

	var pce *ProviderControlError
	require.ErrorAs(t, err, &pce)
	require.Equal(t, "setWebhook", pce.Op)
	require.Equal(t, 400, pce.StatusCode)
	require.Contains(t, pce.Body, "HTTPS url")
	require.Equal(t, botstore.StatusOffline, status(t, reg, 4))
}

func TestStartBotCommandFailureIsNotFatal(t *testing.T) {
	p := &fakeProvider{cmdsErr: errors.New("telegram: Too Many Requests (429)")}
	m, _ := newManager(t, p, botstore.Bot{ID: 5, Token: token})
	m.opts.Commands = func() []tele.Command { return []tele.Command{{Text: "a", Description: "b"}} }
	bot, err := m.StartBot(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, botstore.StatusOnline, bot.Status)
}

func TestStartBotDeletedIsNotFound(t *testing.T) {
	p := &fakeProvider{}
	m, _ := newManager(t, p, botstore.Bot{ID: 6, Token: token, Status: botstore.StatusDeleted})
	_, err := m.StartBot(context.Background(), 6)
	require.ErrorIs(t, err, botstore.ErrNotFound)
	require.Empty(t, p.calls)
}

func TestStopBotIsIdempotent(t *testing.T) {
	p := &fakeProvider{deleteErr: tele.ErrUnauthorized}
	var stopped []int64
	m, reg := newManager(t, p, botstore.Bot{ID: 7, Token: token, Status: botstore.StatusOnline})
	m.opts.OnStop = func(b botstore.Bot) { stopped = append(stopped, b.ID) }

	bot, err := m.StopBot(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, botstore.StatusOffline, bot.Status)
	require.Equal(t, botstore.StatusOffline, status(t, reg, 7))

	_, err = m.StopBot(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, []int64{7, 7}, stopped)
}

func TestStopBotProviderFailureStillOffline(t *testing.T) {
	p := &fakeProvider{deleteErr: errors.New("telegram: Internal Server Error (500)")}
	m, reg := newManager(t, p, botstore.Bot{ID: 8, Token: token, Status: botstore.StatusOnline})
	bot, err := m.StopBot(context.Background(), 8)

	var pce *ProviderControlError
	require.ErrorAs(t, err, &pce)
	require.Equal(t, 500, pce.StatusCode)
	require.Equal(t, botstore.StatusOffline, bot.Status)
	require.Equal(t, botstore.StatusOffline, status(t, reg, 8))
}

func TestDeleteBot(t *testing.T) {
	p := &fakeProvider{}
	m, reg := newManager(t, p, botstore.Bot{ID: 9, Token: token, Status: botstore.StatusOnline})
	bot, err := m.DeleteBot(context.Background(), 9)
	require.NoError(t, err)
	require.Equal(t, botstore.StatusDeleted, bot.Status)
	require.Equal(t, botstore.StatusDeleted, status(t, reg, 9))

	_, err = m.StopBot(context.Background(), 9)
	require.NoError(t, err)
	require.Equal(t, botstore.StatusDeleted, status(t, reg, 9))
}

func TestSecretToken(t *testing.T) {
	require.Empty(t, SecretToken("", token))
	require.Equal(t, SecretToken("k", token), SecretToken("k", token))
	require.NotEqual(t, SecretToken("k", token), SecretToken("k2", token))
}
