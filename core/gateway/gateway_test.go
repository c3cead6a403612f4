package gateway

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shophost/core/botstore"
	"github.com/m3rciful/shophost/core/convstate"
	"github.com/m3rciful/shophost/core/database"
	"github.com/m3rciful/shophost/core/lifecycle"
	"github.com/m3rciful/shophost/core/report"
	"github.com/m3rciful/shophost/core/telegram"
	"github.com/m3rciful/shophost/core/telegram/dispatch"
	"github.com/m3rciful/shophost/core/telegram/router"
)

const (
	token     = "1001:AAbbCCddEEffGGhhIIjjKKllMMnn"
	secretKey = "hook-key"
)

const messageBody = `{"update_id":5,"message":{"message_id":1,"date":0,"text":"hello",` +
	`"chat":{"id":9,"type":"private"},"from":{"id":9,"is_bot":false,"first_name":"a","language_code":"en"}}}`

type fakeAPI struct {
	mu      sync.Mutex
	methods []string
	bodies  []string
}

func (f *fakeAPI) called(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.methods {
		if m == method {
			n++
		}
	}
	return n
}

func newFakeAPI(t *testing.T) (*httptest.Server, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		method := path.Base(r.URL.Path)
		api.mu.Lock()
		api.methods = append(api.methods, method)
		api.bodies = append(api.bodies, string(body))
		api.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "getMe":
			_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1001,"is_bot":true,"first_name":"shop"}}`)
		case "sendMessage":
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":2,"date":0,"chat":{"id":9,"type":"private"}}}`)
		default:
			_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, api
}

type captureReporter struct {
	mu  sync.Mutex
	got []report.Incident
}

func (r *captureReporter) Report(_ context.Context, inc report.Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, inc)
	return nil
}

type fixture struct {
	gw      *Gateway
	reg     *botstore.MemoryRegistry
	store   *convstate.MemoryStore
	api     *fakeAPI
	apiURL  string
	rep     *captureReporter
	metrics *Metrics
}

func newFixture(t *testing.T, rt *router.Router, opts ...func(*Options)) *fixture {
	t.Helper()
	srv, api := newFakeAPI(t)
	f := &fixture{
		reg:     botstore.NewMemoryRegistry(botstore.Bot{ID: 1001, Token: token, Status: botstore.StatusOnline, OwnerID: 9}),
		store:   convstate.NewMemoryStore(),
		api:     api,
		apiURL:  srv.URL,
		rep:     &captureReporter{},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	o := Options{
		Registry:    f.reg,
		Clients:     telegram.NewConnector(srv.URL, srv.Client()),
		Store:       f.store,
		Router:      rt,
		Middlewares: telegram.DefaultMiddlewares(nil, telegram.ChainOptions{Reporter: f.rep}),
		Metrics:     f.metrics,
		SecretKey:   secretKey,
		Retry:       database.RetryPolicy{Attempts: 2, Backoff: time.Millisecond},
	}
	for _, fn := range opts {
		fn(&o)
	}
	gw, err := New(o)
	require.NoError(t, err)
	f.gw = gw
	return f
}

func (f *fixture) post(tok, body, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, lifecycle.WebhookPrefix+tok, strings.NewReader(body))
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	rec := httptest.NewRecorder()
	f.gw.Routes().ServeHTTP(rec, req)
	return rec
}

func countingRouter(t *testing.T, calls *int) *router.Router {
	t.Helper()
	rt := router.New()
	require.NoError(t, rt.Handle(dispatch.KindMessage, func(c tele.Context) error {
		*calls++
		return nil
	}))
	return rt
}

func TestWebhookDispatchesKnownBot(t *testing.T) {
	var seen *dispatch.Context
	rt := router.New()
	require.NoError(t, rt.Handle(dispatch.KindMessage, func(c tele.Context) error {
		seen = dispatch.From(c)
		return seen.State.Set(seen.Context(), seen.Key.ChatID, seen.Key.UserID, "browsing", map[string]any{"page": 1})
	}))
	f := newFixture(t, rt)

	rec := f.post(token, messageBody, lifecycle.SecretToken(secretKey, token))
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, seen)
	require.Equal(t, int64(1001), seen.Bot.ID)
	require.Equal(t, dispatch.KindMessage, seen.Kind)
	require.Equal(t, convstate.Key{BotID: 1001, ChatID: 9, UserID: 9}, seen.Key)

	got, err := f.store.Get(context.Background(), convstate.Key{BotID: 1001, ChatID: 9, UserID: 9})
	require.NoError(t, err)
	require.Equal(t, "browsing", got.State)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Requests.WithLabelValues("message", "ok")))
}

func TestWebhookRejectsUnknownCredential(t *testing.T) {
	calls := 0
	f := newFixture(t, countingRouter(t, &calls))

	other := "2002:ZZyyXXwwVVuuTTssRRqqPPooNN"
	rec := f.post(other, messageBody, lifecycle.SecretToken(secretKey, other))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.post("not-a-token", messageBody, lifecycle.SecretToken(secretKey, "not-a-token"))
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.Zero(t, calls)
	require.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Requests.WithLabelValues("message", "rejected")))
}

func TestWebhookRejectsDeletedBot(t *testing.T) {
	calls := 0
	f := newFixture(t, countingRouter(t, &calls))
	require.NoError(t, f.reg.UpdateStatus(context.Background(), 1001, botstore.StatusDeleted))

	rec := f.post(token, messageBody, lifecycle.SecretToken(secretKey, token))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Zero(t, calls)
}

func TestWebhookSecretMismatch(t *testing.T) {
	calls := 0
	f := newFixture(t, countingRouter(t, &calls))

	require.Equal(t, http.StatusForbidden, f.post(token, messageBody, "").Code)
	require.Equal(t, http.StatusForbidden, f.post(token, messageBody, "wrong").Code)
	require.Zero(t, calls)
}

func TestWebhookWithoutSecretKey(t *testing.T) {
	calls := 0
	f := newFixture(t, countingRouter(t, &calls), func(o *Options) { o.SecretKey = "" })

	require.Equal(t, http.StatusOK, f.post(token, messageBody, "").Code)
	require.Equal(t, 1, calls)
}

func TestWebhookBadBody(t *testing.T) {
	calls := 0
	f := newFixture(t, countingRouter(t, &calls), func(o *Options) { o.MaxBodyBytes = 64 })
	secret := lifecycle.SecretToken(secretKey, token)

	require.Equal(t, http.StatusBadRequest, f.post(token, "{not json", secret).Code)
	require.Equal(t, http.StatusBadRequest, f.post(token, messageBody, secret).Code, "body over limit")
	require.Zero(t, calls)
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	f := newFixture(t, router.New())
	req := httptest.NewRequest(http.MethodGet, lifecycle.WebhookPrefix+token, nil)
	rec := httptest.NewRecorder()
	f.gw.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookAcknowledgesHandlerPanic(t *testing.T) {
	rt := router.New()
	require.NoError(t, rt.Handle(dispatch.KindMessage, func(tele.Context) error {
		panic("inventory exploded")
	}))
	f := newFixture(t, rt)

	rec := f.post(token, messageBody, lifecycle.SecretToken(secretKey, token))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, f.rep.got, 1)
	require.True(t, f.rep.got[0].Panic)
	require.Equal(t, int64(1001), f.rep.got[0].BotID)
	require.Equal(t, 1, f.api.called("sendMessage"), "user receives the failure notice")
}

func TestWebhookAcknowledgesWithoutCatchAll(t *testing.T) {
	rt := router.New()
	require.NoError(t, rt.Handle(dispatch.KindMessage, func(c tele.Context) error {
		if c.Text() == "boom" {
			panic("inventory exploded")
		}
		return errors.New("out of stock")
	}))
	require.NoError(t, rt.HandleSubmission("order.paid", func(tele.Context) error {
		panic("ledger exploded")
	}))
	f := newFixture(t, rt, func(o *Options) { o.Middlewares = nil })
	secret := lifecycle.SecretToken(secretKey, token)

	rec := f.post(token, messageBody, secret)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Requests.WithLabelValues("message", "error")))

	rec = f.post(token, strings.Replace(messageBody, `"hello"`, `"boom"`, 1), secret)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Requests.WithLabelValues("message", "panic")))

	err := f.gw.Submit(context.Background(), 1001, dispatch.Submission{Kind: "order.paid", ChatID: 9, UserID: 9})
	require.NoError(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Requests.WithLabelValues("submission", "panic")))
	require.Empty(t, f.rep.got)
}

type flakyRegistry struct {
	botstore.Registry
	calls int
}

func (r *flakyRegistry) GetByToken(context.Context, string) (botstore.Bot, error) {
	r.calls++
	return botstore.Bot{}, &botstore.StoreError{Op: "get_by_token", Err: driver.ErrBadConn}
}

func TestWebhookDropsOnStoreOutage(t *testing.T) {
	calls := 0
	flaky := &flakyRegistry{}
	f := newFixture(t, countingRouter(t, &calls), func(o *Options) { o.Registry = flaky })

	rec := f.post(token, messageBody, lifecycle.SecretToken(secretKey, token))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, flaky.calls)
	require.Zero(t, calls)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Requests.WithLabelValues("message", "dropped")))
}

func TestClientIsCachedUntilForgotten(t *testing.T) {
	f := newFixture(t, router.New())

	a, err := f.gw.client(token)
	require.NoError(t, err)
	b, err := f.gw.client(token)
	require.NoError(t, err)
	require.Same(t, a, b)

	f.gw.Forget(token)
	c, err := f.gw.client(token)
	require.NoError(t, err)
	require.NotSame(t, a, c)
}

func TestSubmit(t *testing.T) {
	var got *dispatch.Submission
	rt := router.New()
	require.NoError(t, rt.HandleSubmission("order.paid", func(c tele.Context) error {
		dc := dispatch.From(c)
		got = dc.Submission
		return dispatch.SendText(c, "paid")
	}))
	f := newFixture(t, rt)
	f.reg.Put(botstore.Bot{ID: 3003, Token: "broken", Status: botstore.StatusOnline})
	ctx := context.Background()

	err := f.gw.Submit(ctx, 404, dispatch.Submission{Kind: "order.paid", ChatID: 9})
	require.ErrorIs(t, err, botstore.ErrNotFound)

	err = f.gw.Submit(ctx, 3003, dispatch.Submission{Kind: "order.paid", ChatID: 9})
	require.ErrorIs(t, err, botstore.ErrMalformedToken)

	err = f.gw.Submit(ctx, 1001, dispatch.Submission{Kind: "cart.nope", ChatID: 9})
	require.ErrorIs(t, err, router.ErrUnknownSubmission)

	err = f.gw.Submit(ctx, 1001, dispatch.Submission{Kind: "order.paid"})
	require.ErrorIs(t, err, ErrInvalidSubmission)

	require.NoError(t, f.gw.Submit(ctx, 1001, dispatch.Submission{Kind: "order.paid", UserID: 9}))
	require.NotNil(t, got)
	require.Equal(t, int64(9), got.ChatID)
	require.Equal(t, 1, f.api.called("sendMessage"))
}

func TestSubmitSwallowsHandlerFailure(t *testing.T) {
	rt := router.New()
	require.NoError(t, rt.HandleSubmission("order.paid", func(tele.Context) error {
		return errors.New("payment ledger unavailable")
	}))
	f := newFixture(t, rt)

	require.NoError(t, f.gw.Submit(context.Background(), 1001, dispatch.Submission{Kind: "order.paid", ChatID: 9}))
	require.Len(t, f.rep.got, 1)
	require.Contains(t, f.rep.got[0].Err, "payment ledger unavailable")
}

func TestStartEventStopScenario(t *testing.T) {
	calls := 0
	f := newFixture(t, countingRouter(t, &calls))
	require.NoError(t, f.reg.UpdateStatus(context.Background(), 1001, botstore.StatusNew))

	mgr, err := lifecycle.New(f.reg, telegram.NewConnector(f.apiURL, nil), lifecycle.Options{
		BaseURL:   "https://hooks.example.com",
		SecretKey: secretKey,
		OnStop:    func(b botstore.Bot) { f.gw.Forget(b.Token) },
	})
	require.NoError(t, err)
	ctx := context.Background()

	bot, err := mgr.StartBot(ctx, 1001)
	require.NoError(t, err)
	require.Equal(t, botstore.StatusOnline, bot.Status)
	require.Equal(t, 1, f.api.called("setWebhook"))

	rec := f.post(token, messageBody, lifecycle.SecretToken(secretKey, token))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, calls)

	bot, err = mgr.StopBot(ctx, 1001)
	require.NoError(t, err)
	require.Equal(t, botstore.StatusOffline, bot.Status)

	stored, err := f.reg.GetByID(ctx, 1001)
	require.NoError(t, err)
	require.Equal(t, botstore.StatusOffline, stored.Status)

	f.gw.mu.RLock()
	_, cached := f.gw.clients[token]
	f.gw.mu.RUnlock()
	require.False(t, cached)
}
