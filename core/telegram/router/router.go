// Package router dispatches events to business handlers by event kind,
// command name, callback kind or submission kind.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shophost/core/logger"
	"github.com/m3rciful/shophost/core/telegram/callbacks"
	"github.com/m3rciful/shophost/core/telegram/dispatch"
	"github.com/m3rciful/shophost/core/telegram/middleware"
)

// ErrUnknownSubmission is returned for a submission kind with no handler.
var ErrUnknownSubmission = errors.New("router: unknown submission kind")

// Command represents a bot command with its handler, description, and metadata.
type Command struct {
	Handler     tele.HandlerFunc
	Description string
	OwnerOnly   bool
	Hidden      bool
	Aliases     []string
}

// Router holds handlers for every event kind.
type Router struct {
	mu               sync.RWMutex
	commands         map[string]Command
	callbacks        map[callbacks.Kind]tele.HandlerFunc
	kinds            map[dispatch.Kind]tele.HandlerFunc
	submissions      map[string]tele.HandlerFunc
	callbackNotFound tele.HandlerFunc
	textFallback     tele.HandlerFunc
	ownerReject      tele.HandlerFunc
}

// New creates an empty Router with default fallbacks.
func New() *Router {
	return &Router{
		commands:    make(map[string]Command),
		callbacks:   make(map[callbacks.Kind]tele.HandlerFunc),
		kinds:       make(map[dispatch.Kind]tele.HandlerFunc),
		submissions: make(map[string]tele.HandlerFunc),
		callbackNotFound: func(c tele.Context) error {
			return c.Respond(&tele.CallbackResponse{Text: "Unsupported action"})
		},
	}
}

// RegisterCommand adds a command. Names carry the leading slash.
func (r *Router) RegisterCommand(name string, cmd Command) error {
	if name == "" || cmd.Handler == nil || cmd.Description == "" {
		return fmt.Errorf("router: invalid command %q", name)
	}
	if name[0] != '/' {
		return fmt.Errorf("router: command %q has no slash prefix", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("router: command already registered: %s", name)
	}
	r.commands[name] = cmd
	return nil
}

// RegisterCallback routes callbacks whose data decodes to kind.
func (r *Router) RegisterCallback(kind callbacks.Kind, h tele.HandlerFunc) error {
	if !kind.Known() || h == nil {
		return fmt.Errorf("router: invalid callback registration %q", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.callbacks[kind]; exists {
		return fmt.Errorf("router: callback already registered: %s", kind)
	}
	r.callbacks[kind] = h
	return nil
}

// Handle routes every event of kind to h. For messages, commands are tried first.
func (r *Router) Handle(kind dispatch.Kind, h tele.HandlerFunc) error {
	if h == nil || kind == dispatch.KindSubmission || kind == dispatch.KindCallback {
		return fmt.Errorf("router: invalid handler for kind %q", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[kind]; exists {
		return fmt.Errorf("router: kind already handled: %s", kind)
	}
	r.kinds[kind] = h
	return nil
}

// HandleSubmission routes data-plane submissions of kind to h.
func (r *Router) HandleSubmission(kind string, h tele.HandlerFunc) error {
	kind = strings.TrimSpace(kind)
	if kind == "" || h == nil {
		return fmt.Errorf("router: invalid submission %q", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.submissions[kind]; exists {
		return fmt.Errorf("router: submission already registered: %s", kind)
	}
	r.submissions[kind] = h
	return nil
}

// HasSubmission reports whether kind has a handler.
func (r *Router) HasSubmission(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.submissions[kind]
	return ok
}

// SetCallbackNotFound replaces the fallback handler for unknown callbacks.
func (r *Router) SetCallbackNotFound(h tele.HandlerFunc) {
	if h != nil {
		r.mu.Lock()
		r.callbackNotFound = h
		r.mu.Unlock()
	}
}

// SetTextFallback sets the handler for messages nothing else claimed.
func (r *Router) SetTextFallback(h tele.HandlerFunc) {
	r.mu.Lock()
	r.textFallback = h
	r.mu.Unlock()
}

// SetOwnerReject sets the reply for owner-only commands invoked by others.
func (r *Router) SetOwnerReject(h tele.HandlerFunc) {
	r.mu.Lock()
	r.ownerReject = h
	r.mu.Unlock()
}

// ListCommands returns commands sorted by name, optionally without hidden and owner-only ones.
func (r *Router) ListCommands(visibleOnly bool) []tele.Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]tele.Command, 0, len(r.commands))
	for name, meta := range r.commands {
		if visibleOnly && (meta.Hidden || meta.OwnerOnly) {
			continue
		}
		list = append(list, tele.Command{Text: strings.TrimPrefix(name, "/"), Description: meta.Description})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Text < list[j].Text })
	return list
}

// LookupCommand resolves the command in text by name or alias.
// Arguments and a "@botname" suffix are ignored.
func (r *Router) LookupCommand(text string) (string, Command, bool) {
	name, _, _ := strings.Cut(strings.TrimSpace(text), " ")
	if !strings.HasPrefix(name, "/") {
		return "", Command{}, false
	}
	name, _, _ = strings.Cut(name, "@")
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cmd, ok := r.commands[name]; ok {
		return name, cmd, true
	}
	for key, cmd := range r.commands {
		for _, alias := range cmd.Aliases {
			if alias == name || "/"+alias == name {
				return key, cmd, true
			}
		}
	}
	return "", Command{}, false
}

// Handler returns the entry point the gateway wraps with the middleware chain.
func (r *Router) Handler() tele.HandlerFunc {
	return func(c tele.Context) error {
		dc := dispatch.From(c)
		if dc == nil {
			return errors.New("router: event has no dispatch context")
		}
		start := time.Now()
		switch dc.Kind {
		case dispatch.KindMessage:
			return r.routeMessage(c, start)
		case dispatch.KindCallback:
			return r.routeCallback(c, start)
		case dispatch.KindSubmission:
			return r.routeSubmission(c, dc, start)
		}
		r.mu.RLock()
		h := r.kinds[dc.Kind]
		r.mu.RUnlock()
		if h == nil {
			logHandlerSummary(c, "unhandled."+string(dc.Kind), start, "skip", "ok", nil)
			return nil
		}
		return handleWithSummary(c, string(dc.Kind), start, h)
	}
}

func (r *Router) routeMessage(c tele.Context, start time.Time) error {
	text := ""
	if msg := c.Message(); msg != nil {
		text = msg.Text
	}
	if key, cmd, ok := r.LookupCommand(text); ok {
		h := cmd.Handler
		if cmd.OwnerOnly {
			r.mu.RLock()
			reject := r.ownerReject
			r.mu.RUnlock()
			h = middleware.Protect(middleware.OwnerOnly(), h, reject)
		}
		return handleWithSummary(c, normalizeHandlerName(key), start, h)
	}

	r.mu.RLock()
	h, fb := r.kinds[dispatch.KindMessage], r.textFallback
	r.mu.RUnlock()
	switch {
	case h != nil:
		return handleWithSummary(c, "message", start, h)
	case fb != nil:
		return handleWithSummary(c, "fallback", start, fb)
	}
	logHandlerSummary(c, "unknown_text", start, "skip", "ok", nil)
	return nil
}

func (r *Router) routeCallback(c tele.Context, start time.Time) error {
	data, err := callbacks.FromContext(c)
	r.mu.RLock()
	h, notFound := r.callbacks[data.Kind], r.callbackNotFound
	r.mu.RUnlock()

	if err != nil || h == nil {
		reason := "not_found"
		if err != nil {
			reason = "malformed"
		}
		logger.Debug(dispatch.StdContext(c), "gateway", "callback.unrouted",
			slog.String("status", "skip"),
			slog.String("reason", reason),
		)
		return handleWithSummary(c, "callback.not_found", start, notFound)
	}
	return handleWithSummary(c, "callback."+string(data.Kind), start, h,
		slog.String("cb_key", string(data.Kind)+":"+data.Action),
	)
}

func (r *Router) routeSubmission(c tele.Context, dc *dispatch.Context, start time.Time) error {
	kind := ""
	if dc.Submission != nil {
		kind = dc.Submission.Kind
	}
	r.mu.RLock()
	h := r.submissions[kind]
	r.mu.RUnlock()
	if h == nil {
		return fmt.Errorf("%w: %q", ErrUnknownSubmission, kind)
	}
	return handleWithSummary(c, "submission."+normalizeHandlerName(kind), start, h)
}
