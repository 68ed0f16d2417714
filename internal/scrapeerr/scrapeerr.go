// Package scrapeerr classifies fetch failures so schedulers, breakers, and retry
// loops can agree on what a failure means.
package scrapeerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind is a coarse failure category.
type Kind string

// Supported failure kinds.
const (
	KindUnknown           Kind = "unknown"
	KindNetwork           Kind = "network"
	KindTimeout           Kind = "timeout"
	KindNavigation        Kind = "navigation"
	KindAccessDenied      Kind = "access_denied"
	KindContentExtraction Kind = "content_extraction"
	KindRateLimit         Kind = "rate_limit"
)

var rateLimitPhrases = []string{
	"rate limit",
	"too many requests",
	"throttled",
}

// Error annotates an underlying failure with its Kind and, when known, the URL and
// HTTP status that produced it.
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int
	Err        error
}

// New wraps err with the given kind.
func New(kind Kind, url string, err error) *Error {
	return &Error{Kind: kind, URL: url, Err: err}
}

// FromStatus builds an Error for a non-success HTTP status. It returns nil for 2xx
// and 3xx codes.
func FromStatus(url string, code int) error {
	if code >= 200 && code < 400 {
		return nil
	}
	kind := KindUnknown
	switch {
	case code == http.StatusTooManyRequests:
		kind = KindRateLimit
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = KindAccessDenied
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		kind = KindTimeout
	case code >= 500:
		kind = KindNetwork
	}
	return &Error{
		Kind:       kind,
		URL:        url,
		StatusCode: code,
		Err:        fmt.Errorf("unexpected status %d %s", code, http.StatusText(code)),
	}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.URL != "" {
		b.WriteString(" ")
		b.WriteString(e.URL)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the category of err. Errors that were never annotated are
// classified from net.Error and context deadlines; anything else is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}

// StatusCode returns the HTTP status attached to err, or 0.
func StatusCode(err error) int {
	var se *Error
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsRateLimit reports whether err signals that the target is throttling us: a
// rate_limit kind, an HTTP 429, or a message mentioning rate limiting.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if KindOf(err) == KindRateLimit || StatusCode(err) == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range rateLimitPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether another attempt could plausibly succeed. Unknown
// failures are not retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindNavigation:
		return true
	default:
		return false
	}
}
