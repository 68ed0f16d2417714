package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/company-crawler/internal/crawler"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	longText := "<html><body><p>" + strings.Repeat("Our company builds widgets. ", 200) + "</p></body></html>"

	testCases := []struct {
		name    string
		resp    crawler.FetchResponse
		promote bool
		reason  string
	}{
		{"empty body", crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte("  \n")}, true, ReasonEmptyBody},
		{
			"script shell",
			crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte(`<html><script src="a.js"></script><script>boot()</script><div></div></html>`)},
			true, ReasonScriptHeavy,
		},
		{
			"next.js marker",
			crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte(longText + `<div id="__next"></div>`)},
			true, ReasonSPAMarker,
		},
		{"static page", crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte(longText)}, false, ""},
		{"non-200", crawler.FetchResponse{StatusCode: http.StatusNotFound}, false, ""},
		{"already rendered", crawler.FetchResponse{StatusCode: http.StatusOK, UsedHeadless: true}, false, ""},
	}
	for _, tc := range testCases {
		promote, reason := h.Evaluate(tc.resp)
		require.Equal(t, tc.promote, promote, tc.name)
		require.Equal(t, tc.reason, reason, tc.name)
	}
}

func TestScriptShare(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, scriptShare([]byte("<p>plain</p>")))
	require.Equal(t, 100, scriptShare([]byte("<SCRIPT>x</SCRIPT>")))
	require.Equal(t, 100, scriptShare([]byte("<script>never closed")))

	body := []byte("<script></script>" + strings.Repeat("a", 17))
	require.Equal(t, 50, scriptShare(body))
}

func TestNewHeuristicThreshold(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultBodyThreshold, NewHeuristic(-1).bodyThreshold)
	require.Equal(t, 10, NewHeuristic(10).bodyThreshold)
}
