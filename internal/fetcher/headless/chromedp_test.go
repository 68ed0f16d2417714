package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/company-crawler/internal/scrapeerr"
)

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	t.Cleanup(fetcher.Close)
	require.Equal(t, 2, cap(fetcher.limiter))
}

func TestFetcherNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{}
	require.Equal(t, 45*time.Second, fetcher.navTimeout())
	fetcher.cfg.NavigationTimeout = time.Second
	require.Equal(t, time.Second, fetcher.navTimeout())
}

func TestAcquireRespectsContext(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{limiter: make(chan struct{}, 1)}
	require.NoError(t, fetcher.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, fetcher.acquire(ctx), context.Canceled)

	fetcher.release()
	require.NoError(t, fetcher.acquire(context.Background()))
}

func TestCloneHeaderAndNetworkHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}}
	cloned := cloneHeader(src)
	cloned.Add("X-Test", "c")
	require.Len(t, src["X-Test"], 2)

	netHeaders := toNetworkHeaders(src)
	values, ok := netHeaders["X-Test"].([]string)
	require.True(t, ok, "expected []string, got %T", netHeaders["X-Test"])
	require.Len(t, values, 2)
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  429,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"Retry-After": "30"},
		},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 429, status)
	require.Equal(t, "30", headers.Get("Retry-After"))
	require.Equal(t, "https://example.com/rendered", url)
	require.True(t, scrapeerr.IsRateLimit(scrapeerr.FromStatus(url, status)))

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)
}

func TestClassifyBrowserError(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		err  error
		want scrapeerr.Kind
	}{
		{fmt.Errorf("chromedp run: %w", context.DeadlineExceeded), scrapeerr.KindTimeout},
		{errors.New("page load error net::ERR_NAME_NOT_RESOLVED"), scrapeerr.KindNetwork},
		{errors.New("page load error net::ERR_TIMED_OUT"), scrapeerr.KindTimeout},
		{errors.New("page load error net::ERR_BLOCKED_BY_RESPONSE"), scrapeerr.KindAccessDenied},
		{errors.New("could not find node"), scrapeerr.KindNavigation},
	}
	for _, tc := range testCases {
		got := classifyBrowserError("https://example.com", tc.err)
		require.Equal(t, tc.want, scrapeerr.KindOf(got), tc.err.Error())
		require.ErrorIs(t, got, tc.err)
	}
	require.True(t, scrapeerr.IsRetryable(classifyBrowserError("u", errors.New("detached"))))
}
