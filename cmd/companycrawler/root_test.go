package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/company-crawler/internal/config"
	"github.com/JakeFAU/company-crawler/internal/crawler"
	"github.com/JakeFAU/company-crawler/internal/pipeline"
)

type fakeApp struct {
	served   bool
	closed   bool
	serveErr error
	requests []pipeline.Request
	results  []pipeline.Result
	fetchErr error
	cfg      config.Config
}

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

func (f *fakeApp) Serve(context.Context) error {
	f.served = true
	return f.serveErr
}

func (f *fakeApp) Fetch(_ context.Context, reqs []pipeline.Request) ([]pipeline.Result, error) {
	f.requests = reqs
	return f.results, f.fetchErr
}

func (f *fakeApp) Close() { f.closed = true }

// useFakeApp swaps the factory for the duration of the test. Tests using it
// must not run in parallel.
func useFakeApp(t *testing.T, fake *fakeApp) {
	t.Helper()
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config) (App, error) {
		fake.cfg = cfg
		return fake, nil
	}
	t.Cleanup(func() { newApp = orig })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestServeCommandRunsApp(t *testing.T) {
	fake := &fakeApp{}
	useFakeApp(t, fake)

	_, err := execute(t, "serve")
	require.NoError(t, err)
	require.True(t, fake.served)
	require.True(t, fake.closed)
	require.Equal(t, 8080, fake.cfg.Server.Port)
}

func TestServeCommandIgnoresCancellation(t *testing.T) {
	fake := &fakeApp{serveErr: context.Canceled}
	useFakeApp(t, fake)

	_, err := execute(t, "serve")
	require.NoError(t, err)
}

func TestServeCommandReportsFailure(t *testing.T) {
	fake := &fakeApp{serveErr: errors.New("address in use")}
	useFakeApp(t, fake)

	_, err := execute(t, "serve")
	require.ErrorContains(t, err, "address in use")
}

func TestFetchCommandPrintsJSONLines(t *testing.T) {
	fake := &fakeApp{results: []pipeline.Result{
		{Outcome: crawler.Outcome{ID: "1", URL: "https://a.example", Domain: "a.example", StatusCode: 200}},
		{
			Outcome:  crawler.Outcome{ID: "2", URL: "https://b.example", Domain: "b.example", StatusCode: 200},
			Response: crawler.FetchResponse{RobotsFallback: "robots.txt returned 404"},
		},
	}}
	useFakeApp(t, fake)

	out, err := execute(t, "fetch", "--priority", "2", "--respect-robots=false", "https://a.example", "https://b.example")
	require.NoError(t, err)

	require.Len(t, fake.requests, 2)
	require.Equal(t, "https://a.example", fake.requests[0].URL)
	require.Equal(t, 2, fake.requests[1].Priority)
	require.False(t, fake.requests[1].RespectRobots)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	require.Equal(t, "https://b.example", second["url"])
	require.Equal(t, "robots.txt returned 404", second["robots_fallback"])
}

func TestFetchCommandFailsWhenAnyFetchFails(t *testing.T) {
	fake := &fakeApp{results: []pipeline.Result{
		{Outcome: crawler.Outcome{ID: "1", URL: "https://a.example", ErrorKind: "access_denied", ErrorText: "forbidden"}},
	}}
	useFakeApp(t, fake)

	out, err := execute(t, "fetch", "https://a.example")
	require.ErrorContains(t, err, "1 of 1 fetches failed")
	require.Contains(t, out, "access_denied")
}

func TestFetchCommandValidatesArgs(t *testing.T) {
	fake := &fakeApp{}
	useFakeApp(t, fake)

	_, err := execute(t, "fetch")
	require.Error(t, err)

	_, err = execute(t, "fetch", "--priority", "-1", "https://a.example")
	require.ErrorContains(t, err, "priority")
	require.Nil(t, fake.requests)
}

func TestRootCommandReportsConfigErrors(t *testing.T) {
	fake := &fakeApp{}
	useFakeApp(t, fake)

	_, err := execute(t, "--config", "/does/not/exist.yaml", "serve")
	require.ErrorContains(t, err, "load config")
	require.False(t, fake.served)
}

func TestResolveAppWithoutInit(t *testing.T) {
	_, err := resolveApp(context.Background())
	require.Error(t, err)
}
