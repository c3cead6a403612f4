// Package control is the loopback API operators and the admin front-end use
// to start and stop bots and to push data-plane submissions.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/m3rciful/shophost/core/botstore"
	"github.com/m3rciful/shophost/core/gateway"
	"github.com/m3rciful/shophost/core/lifecycle"
	"github.com/m3rciful/shophost/core/logger"
	"github.com/m3rciful/shophost/core/telegram/dispatch"
	"github.com/m3rciful/shophost/core/telegram/netutil"
	"github.com/m3rciful/shophost/core/telegram/router"
)

const maxSubmissionBytes = 64 << 10

// Lifecycle is the part of *lifecycle.Manager the API drives.
type Lifecycle interface {
	StartBot(ctx context.Context, id int64) (botstore.Bot, error)
	StopBot(ctx context.Context, id int64) (botstore.Bot, error)
}

// Submitter runs data-plane submissions. *gateway.Gateway satisfies it.
type Submitter interface {
	Submit(ctx context.Context, botID int64, sub dispatch.Submission) error
}

// Options wires the API.
type Options struct {
	Lifecycle Lifecycle
	Submitter Submitter
	// Gatherer backs /metrics; nil serves the default registry.
	Gatherer prometheus.Gatherer
	// Health reports readiness of backing stores; nil always reports ok.
	Health func(ctx context.Context) error
}

// API serves the control endpoints.
type API struct {
	opts Options
}

// New returns the control API.
func New(opts Options) (*API, error) {
	if opts.Lifecycle == nil || opts.Submitter == nil {
		return nil, errors.New("control: lifecycle and submitter are required")
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &API{opts: opts}, nil
}

// BotResponse is the body of successful lifecycle calls.
type BotResponse struct {
	BotID   int64  `json:"bot_id"`
	Status  string `json:"status"`
	Warning string `json:"warning,omitempty"`
}

// ErrorResponse is the body of failed calls.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Routes returns the control mux.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /start_bot/{botId}", a.handleStart)
	mux.HandleFunc("GET /stop_bot/{botId}", a.handleStop)
	mux.HandleFunc("POST /send_to_bot/{botId}", a.handleSend)
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.opts.Gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := botID(w, r)
	if !ok {
		return
	}
	ctx := logger.WithBotID(logger.WithLogger(r.Context(), logger.CTRL), id)

	bot, err := a.opts.Lifecycle.StartBot(ctx, id)
	code := startStatus(err)
	a.logRequest(ctx, "start_bot", code, start, err)
	if err != nil {
		writeJSON(w, code, ErrorResponse{Error: netutil.Redact(err)})
		return
	}
	writeJSON(w, code, BotResponse{BotID: bot.ID, Status: string(bot.Status)})
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := botID(w, r)
	if !ok {
		return
	}
	ctx := logger.WithBotID(logger.WithLogger(r.Context(), logger.CTRL), id)

	bot, err := a.opts.Lifecycle.StopBot(ctx, id)
	var pce *lifecycle.ProviderControlError
	switch {
	case err == nil:
		a.logRequest(ctx, "stop_bot", http.StatusOK, start, nil)
		writeJSON(w, http.StatusOK, BotResponse{BotID: bot.ID, Status: string(bot.Status)})
	case errors.As(err, &pce):
		a.logRequest(ctx, "stop_bot", http.StatusOK, start, err)
		writeJSON(w, http.StatusOK, BotResponse{
			BotID:   bot.ID,
			Status:  string(bot.Status),
			Warning: "webhook not removed: " + pce.Error(),
		})
	default:
		code := storeStatus(err)
		a.logRequest(ctx, "stop_bot", code, start, err)
		writeJSON(w, code, ErrorResponse{Error: netutil.Redact(err)})
	}
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := botID(w, r)
	if !ok {
		return
	}
	ctx := logger.WithBotID(logger.WithLogger(r.Context(), logger.CTRL), id)

	var sub dispatch.Submission
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmissionBytes))
	if err := dec.Decode(&sub); err != nil {
		a.logRequest(ctx, "send_to_bot", http.StatusBadRequest, start, err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed submission payload"})
		return
	}

	err := a.opts.Submitter.Submit(ctx, id, sub)
	code := submitStatus(err)
	a.logRequest(ctx, "send_to_bot", code, start, err, slog.String("submission", sub.Kind))
	if err != nil {
		writeJSON(w, code, ErrorResponse{Error: netutil.Redact(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.opts.Health != nil {
		if err := a.opts.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: netutil.Redact(err)})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func startStatus(err error) int {
	var pce *lifecycle.ProviderControlError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, botstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, botstore.ErrMalformedToken), errors.Is(err, lifecycle.ErrUnauthorized):
		return http.StatusBadRequest
	case errors.As(err, &pce):
		return http.StatusBadGateway
	}
	return storeStatus(err)
}

func submitStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, botstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, botstore.ErrMalformedToken),
		errors.Is(err, router.ErrUnknownSubmission),
		errors.Is(err, gateway.ErrInvalidSubmission):
		return http.StatusBadRequest
	}
	return storeStatus(err)
}

// storeStatus maps everything else; transient storage failures are retryable by the caller.
func storeStatus(err error) int {
	if errors.Is(err, botstore.ErrNotFound) {
		return http.StatusNotFound
	}
	var se *botstore.StoreError
	if errors.As(err, &se) && se.Retryable() {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func botID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("botId"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid bot id"})
		return 0, false
	}
	return id, true
}

func (a *API) logRequest(ctx context.Context, op string, code int, start time.Time, err error, extra ...slog.Attr) {
	status := "ok"
	lvl := slog.LevelInfo
	switch {
	case code >= 500:
		status, lvl = "fail", slog.LevelError
	case code >= 400:
		status, lvl = "rejected", slog.LevelWarn
	case err != nil:
		status, lvl = "fail", slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("status", status),
		slog.String("op", op),
		slog.Int("http_code", code),
		slog.Duration("duration", logger.RoundMS(time.Since(start))),
	}
	if err != nil {
		attrs = append(attrs, slog.String("err", netutil.Redact(err)))
	}
	attrs = append(attrs, extra...)
	logger.Event(ctx, "control", lvl, "control.request", attrs...)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
