package crawler

import (
	"net/http"
	"time"
)

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL           string
	Headers       http.Header
	RespectRobots bool
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	// RobotsFallback explains why robots.txt was treated as allow-all, if it was.
	RobotsFallback string
}

// Outcome summarizes one pipeline fetch after breaker, retries, and scheduling
// have all finished with it.
type Outcome struct {
	ID              string        `json:"id"`
	URL             string        `json:"url"`
	Domain          string        `json:"domain"`
	Priority        int           `json:"priority"`
	StatusCode      int           `json:"status_code"`
	Bytes           int           `json:"bytes"`
	ContentHash     string        `json:"content_hash,omitempty"`
	Retries         int           `json:"retries"`
	UsedHeadless    bool          `json:"used_headless,omitempty"`
	PromotionReason string        `json:"promotion_reason,omitempty"`
	ErrorKind       string        `json:"error_kind,omitempty"`
	ErrorText       string        `json:"error,omitempty"`
	Duration        time.Duration `json:"duration"`
	SettledAt       time.Time     `json:"settled_at"`
}

// Succeeded reports whether the fetch produced a response.
func (o Outcome) Succeeded() bool {
	return o.ErrorText == ""
}
