package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shophost/core/botstore"
	"github.com/m3rciful/shophost/core/convstate"
	"github.com/m3rciful/shophost/core/logger"
	"github.com/m3rciful/shophost/core/telegram/sender"
)

var bot = botstore.Bot{ID: 77, Token: "77:abc", Status: botstore.StatusOnline}

func TestKindOf(t *testing.T) {
	cases := map[Kind]tele.Update{
		KindMessage:     {Message: &tele.Message{}},
		KindCallback:    {Callback: &tele.Callback{}},
		KindMembership:  {ChatMember: &tele.ChatMemberUpdate{}},
		KindChannelPost: {ChannelPost: &tele.Message{}},
		KindInlineQuery: {Query: &tele.Query{}},
		KindOther:       {},
	}
	for want, u := range cases {
		require.Equal(t, want, KindOf(u))
	}
}

func TestNewResolvesConversationKey(t *testing.T) {
	u := tele.Update{ID: 5, Callback: &tele.Callback{
		Sender:  &tele.User{ID: 2},
		Message: &tele.Message{Chat: &tele.Chat{ID: -10}},
	}}
	dc := New(context.Background(), bot, nil, convstate.NewMemoryStore(), u)
	require.Equal(t, convstate.Key{BotID: 77, ChatID: -10, UserID: 2}, dc.Key)
	require.Equal(t, KindCallback, dc.Kind)
	require.Equal(t, int64(77), dc.State.BotID())

	ctx := dc.Context()
	require.Equal(t, int64(77), logger.BotIDFrom(ctx))
	require.Equal(t, int64(-10), logger.ChatIDFrom(ctx))
	require.Equal(t, "callback", logger.KindFrom(ctx))
	require.Equal(t, "77:5:-10", logger.RIDFrom(ctx))

	inline := New(context.Background(), bot, nil, nil, tele.Update{Query: &tele.Query{Sender: &tele.User{ID: 3}}})
	require.Equal(t, convstate.Key{BotID: 77, ChatID: 3, UserID: 3}, inline.Key)
}

func TestAttachAndFrom(t *testing.T) {
	client, err := tele.NewBot(tele.Settings{Token: bot.Token, Offline: true})
	require.NoError(t, err)
	c := client.NewContext(tele.Update{})
	require.Nil(t, From(c))
	require.NotNil(t, StdContext(c))

	dc := NewSubmission(context.Background(), bot, client, nil, Submission{Kind: "x", ChatID: 1, UserID: 1})
	Attach(c, dc)
	require.Same(t, dc, From(c))
	ctx := WithHandler(c, "submission.x")
	require.Equal(t, "submission.x", logger.HandlerFrom(ctx))
	require.Equal(t, "submission.x", logger.HandlerFrom(From(c).Context()))
}

type apiRecorder struct {
	mu    sync.Mutex
	calls []string
}

func newAPI(t *testing.T) (*httptest.Server, *apiRecorder) {
	rec := &apiRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.calls = append(rec.calls, r.URL.Path+" "+string(body))
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":4,"type":"private"}}}`)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestSendForSubmissionUsesClient(t *testing.T) {
	srv, rec := newAPI(t)
	client, err := tele.NewBot(tele.Settings{URL: srv.URL, Token: bot.Token, Offline: true})
	require.NoError(t, err)

	c := client.NewContext(tele.Update{})
	Attach(c, NewSubmission(context.Background(), bot, client, nil, Submission{Kind: "x", ChatID: 4, UserID: 4}))
	require.NoError(t, SendText(c, "order received"))

	require.Len(t, rec.calls, 1)
	require.True(t, strings.HasPrefix(rec.calls[0], "/bot77:abc/sendMessage"))
	require.Contains(t, rec.calls[0], "order received")

	empty := client.NewContext(tele.Update{})
	Attach(empty, NewSubmission(context.Background(), bot, client, nil, Submission{Kind: "x"}))
	require.ErrorIs(t, SendText(empty, "nobody"), ErrNoRecipient)
}

func TestSendAsyncGoesThroughOutbox(t *testing.T) {
	srv, rec := newAPI(t)
	client, err := tele.NewBot(tele.Settings{URL: srv.URL, Token: bot.Token, Offline: true})
	require.NoError(t, err)

	outbox := sender.NewDispatcher(sender.Options{Workers: 1})
	c := client.NewContext(tele.Update{})
	dc := NewSubmission(context.Background(), bot, client, nil, Submission{Kind: "x", ChatID: 4, UserID: 4})
	dc.Outbox = outbox
	Attach(c, dc)

	require.NoError(t, SendAsync(c, "notify", "queued"))
	outbox.Close()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.calls, 1)
	require.Contains(t, rec.calls[0], "queued")
}

func TestSendAsyncSurvivesRequestCancel(t *testing.T) {
	srv, rec := newAPI(t)
	client, err := tele.NewBot(tele.Settings{URL: srv.URL, Token: bot.Token, Offline: true})
	require.NoError(t, err)

	outbox := sender.NewDispatcher(sender.Options{Workers: 1})
	release := make(chan struct{})
	require.NoError(t, outbox.Enqueue(context.Background(), "busy", "none", func() error {
		<-release
		return nil
	}))

	reqCtx, cancel := context.WithCancel(context.Background())
	c := client.NewContext(tele.Update{})
	dc := NewSubmission(reqCtx, bot, client, nil, Submission{Kind: "x", ChatID: 4, UserID: 4})
	dc.Outbox = outbox
	Attach(c, dc)

	require.NoError(t, SendAsync(c, "notify", "after ack"))
	cancel()
	close(release)
	outbox.Close()

	require.Zero(t, outbox.ErrorCount())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.calls, 1)
	require.Contains(t, rec.calls[0], "after ack")
}
