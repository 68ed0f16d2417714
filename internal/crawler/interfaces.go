package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata. Implementations
// report failures as scrapeerr errors so callers can classify them.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// OutcomeRecorder persists the terminal result of a scheduled fetch.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, outcome Outcome) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers for scheduled requests.
type IDGenerator interface {
	NewID() (string, error)
}

// PromotionDetector decides whether a plain fetch should be redone in a
// headless browser, and reports why.
type PromotionDetector interface {
	Evaluate(resp FetchResponse) (promote bool, reason string)
}

// Hasher fingerprints response bodies.
type Hasher interface {
	Hash(data []byte) (string, error)
}
