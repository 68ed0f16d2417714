// Package detector spots pages whose content is rendered client-side so the
// pipeline can refetch them with a headless browser.
package detector

import (
	"bytes"
	"net/http"

	"github.com/JakeFAU/company-crawler/internal/crawler"
)

// DefaultBodyThreshold is the body size under which script-heavy pages are
// treated as shells.
const DefaultBodyThreshold = 2048

// Promotion reasons reported by Evaluate.
const (
	ReasonEmptyBody   = "empty_body"
	ReasonScriptHeavy = "script_heavy"
	ReasonSPAMarker   = "spa_marker"
)

// minScriptShare is the percentage of a small body that must sit inside
// <script> elements before the page counts as script-heavy.
const minScriptShare = 25

var spaMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version="),
}

// Heuristic is a rule-based crawler.PromotionDetector.
type Heuristic struct {
	bodyThreshold int
}

// NewHeuristic builds a Heuristic. A non-positive threshold selects
// DefaultBodyThreshold.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultBodyThreshold
	}
	return &Heuristic{bodyThreshold: threshold}
}

// Evaluate reports whether resp looks like an unrendered application shell and,
// if so, why. Only 200 responses are considered.
func (h *Heuristic) Evaluate(resp crawler.FetchResponse) (bool, string) {
	if resp.StatusCode != http.StatusOK || resp.UsedHeadless {
		return false, ""
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true, ReasonEmptyBody
	}
	if len(body) < h.bodyThreshold && scriptShare(body) >= minScriptShare {
		return true, ReasonScriptHeavy
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true, ReasonSPAMarker
		}
	}
	return false, ""
}

// scriptShare returns the percentage of body covered by <script> elements,
// tags included. An unterminated element runs to the end of the body.
func scriptShare(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	lower := bytes.ToLower(body)
	openTag := []byte("<script")
	closeTag := []byte("</script>")

	covered := 0
	rest := lower
	for {
		start := bytes.Index(rest, openTag)
		if start < 0 {
			break
		}
		rest = rest[start:]
		end := bytes.Index(rest, closeTag)
		if end < 0 {
			covered += len(rest)
			break
		}
		end += len(closeTag)
		covered += end
		rest = rest[end:]
	}
	return covered * 100 / len(lower)
}
