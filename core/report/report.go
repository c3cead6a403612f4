// Package report delivers operator notifications about failures that were
// swallowed on the user path, such as handler panics or dropped events.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/m3rciful/shophost/core/logger"
)

// Incident is one failure worth an operator's attention.
type Incident struct {
	ID      string    `json:"id"`
	At      time.Time `json:"at"`
	Source  string    `json:"source"`
	BotID   int64     `json:"bot_id,omitempty"`
	ChatID  int64     `json:"chat_id,omitempty"`
	UserID  int64     `json:"user_id,omitempty"`
	Kind    string    `json:"kind,omitempty"`
	Handler string    `json:"handler,omitempty"`
	RID     string    `json:"rid,omitempty"`
	Err     string    `json:"err"`
	Panic   bool      `json:"panic,omitempty"`
	Stack   string    `json:"stack,omitempty"`
}

// NewIncident builds an incident from err and the identifiers carried by ctx.
// Credentials are redacted from the message and stack.
func NewIncident(ctx context.Context, source string, err error) Incident {
	msg := ""
	if err != nil {
		msg = logger.RedactSecrets(err.Error())
	}
	return Incident{
		ID:      uuid.NewString(),
		At:      time.Now().UTC(),
		Source:  source,
		BotID:   logger.BotIDFrom(ctx),
		ChatID:  logger.ChatIDFrom(ctx),
		UserID:  logger.UserIDFrom(ctx),
		Kind:    logger.KindFrom(ctx),
		Handler: logger.HandlerFrom(ctx),
		RID:     logger.RIDFrom(ctx),
		Err:     msg,
	}
}

// Text renders the incident for a chat message.
func (i Incident) Text() string {
	var b strings.Builder
	title := "Handler error"
	if i.Panic {
		title = "Handler panic"
	}
	fmt.Fprintf(&b, "⚠️ %s [%s]\n", title, i.Source)
	if i.BotID != 0 {
		fmt.Fprintf(&b, "bot: %d\n", i.BotID)
	}
	if i.ChatID != 0 || i.UserID != 0 {
		fmt.Fprintf(&b, "chat: %d user: %d\n", i.ChatID, i.UserID)
	}
	if i.Kind != "" {
		fmt.Fprintf(&b, "kind: %s\n", i.Kind)
	}
	if i.Handler != "" {
		fmt.Fprintf(&b, "handler: %s\n", i.Handler)
	}
	if i.RID != "" {
		fmt.Fprintf(&b, "rid: %s\n", i.RID)
	}
	fmt.Fprintf(&b, "error: %s\n", i.Err)
	fmt.Fprintf(&b, "id: %s", i.ID)
	return b.String()
}

// Reporter delivers incidents to operators.
type Reporter interface {
	Report(ctx context.Context, inc Incident) error
}

// LogReporter writes incidents to the report log. It never fails.
type LogReporter struct{}

// Report logs inc.
func (LogReporter) Report(ctx context.Context, inc Incident) error {
	attrs := []slog.Attr{
		slog.String("status", "fail"),
		slog.String("op", inc.Source),
		slog.String("err", inc.Err),
		slog.Bool("panic", inc.Panic),
		slog.String("incident_id", inc.ID),
	}
	if inc.Stack != "" {
		attrs = append(attrs, slog.String("stack", inc.Stack))
	}
	logger.Error(ctx, "report", "incident", attrs...)
	return nil
}

// Multi fans an incident out to every reporter and joins their errors.
type Multi []Reporter

// Report calls every reporter.
func (m Multi) Report(ctx context.Context, inc Incident) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, inc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
