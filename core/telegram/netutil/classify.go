package netutil

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shophost/core/logger"
)

// StatusCode extracts the HTTP-level status reported by the Bot API, or 0 when err carries none.
func StatusCode(err error) int {
	if err == nil {
		return 0
	}

	var floodErr tele.FloodError
	if errors.As(err, &floodErr) {
		return http.StatusTooManyRequests
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return apiErr.Code
	}

	var groupErr tele.GroupError
	if errors.As(err, &groupErr) {
		return http.StatusBadRequest
	}

	// telebot renders unknown API errors as "telegram: <description> (<code>)".
	msg := err.Error()
	lastOpen := strings.LastIndex(msg, "(")
	lastClose := strings.LastIndex(msg, ")")
	if lastOpen >= 0 && lastClose > lastOpen+1 {
		if code, convErr := strconv.Atoi(strings.TrimSpace(msg[lastOpen+1 : lastClose])); convErr == nil && code >= 100 && code < 600 {
			return code
		}
	}
	return 0
}

// RetryAfter reports the flood-wait delay requested by the Bot API.
func RetryAfter(err error) (time.Duration, bool) {
	var floodErr tele.FloodError
	if errors.As(err, &floodErr) {
		return time.Duration(floodErr.RetryAfter) * time.Second, true
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return time.Duration(floodPtr.RetryAfter) * time.Second, true
	}
	return 0, false
}

// IsUnauthorized reports whether the Bot API rejected the credential.
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, tele.ErrUnauthorized) {
		return true
	}
	return StatusCode(err) == http.StatusUnauthorized
}

// Classify buckets err into a short label for logs and metrics.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return "timeout"
		}
		return "dns"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return "dial"
	}

	var alertErr tls.AlertError
	if errors.As(err, &alertErr) {
		return "tls"
	}

	status := StatusCode(err)
	switch {
	case status == http.StatusTooManyRequests:
		return "flood"
	case status == http.StatusUnauthorized:
		return "unauthorized"
	case status >= 500:
		return "http_5xx"
	case status >= 400:
		return "http_4xx"
	}
	return "unknown"
}

// Redact prevents accidental leakage of bot credentials in logs and reports.
func Redact(err error) string {
	if err == nil {
		return ""
	}
	return logger.RedactSecrets(err.Error())
}
