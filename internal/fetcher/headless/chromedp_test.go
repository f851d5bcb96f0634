package headless

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
)

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1}, nil)
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, cap(fetcher.limiter))
	require.Equal(t, DefaultNavigationTimeout, fetcher.cfg.NavigationTimeout)
	require.NoError(t, fetcher.Close())
}

func TestFetcherCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	fetcher, err := NewChromedp(Config{MaxParallel: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, fetcher.Close())
	require.NoError(t, fetcher.Close())

	_, err = fetcher.Fetch(context.Background(), crawler.FetchRequest{URL: "https://example.com"})
	require.ErrorIs(t, err, ErrClosed)
}

func chromePath(t *testing.T) string {
	t.Helper()
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	t.Skip("chrome not installed")
	return ""
}

func TestFetcherSharesOneBrowserAcrossFetches(t *testing.T) {
	t.Parallel()

	execPath := chromePath(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><body><h1>%s</h1></body></html>", r.URL.Path)
	}))
	defer srv.Close()

	fetcher, err := NewChromedp(Config{MaxParallel: 2, ExecPath: execPath, NoSandbox: true, SettleDelay: time.Millisecond}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, fetcher.Close()) }()

	for _, path := range []string{"/pricing", "/about"} {
		resp, err := fetcher.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + path})
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Contains(t, string(resp.Body), path)
	}
	require.Equal(t, 1, fetcher.browserLaunches())
}

func TestEnsureBrowserAfterClose(t *testing.T) {
	t.Parallel()

	fetcher, err := NewChromedp(Config{}, nil)
	require.NoError(t, err)
	require.NoError(t, fetcher.Close())

	_, err = fetcher.ensureBrowser()
	require.ErrorIs(t, err, ErrClosed)
	require.Zero(t, fetcher.browserLaunches())
}

func TestFetcherNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{}
	require.Equal(t, DefaultNavigationTimeout, fetcher.navTimeout())
	fetcher.cfg.NavigationTimeout = time.Second
	require.Equal(t, time.Second, fetcher.navTimeout())
}

func TestAcquireHonorsContext(t *testing.T) {
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
	require.True(t, ok)
	require.Len(t, values, 2)
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://cdn.example.com/app.js"},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 204, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://example.com/rendered", url)

	status, _, url = meta.snapshotWithFallbacks("https://req", "https://example.com/after-js")
	require.Equal(t, 204, status)
	require.Equal(t, "https://example.com/after-js", url)
}

func TestResponseMetaUnknownStatusIsZero(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	status, _, url := meta.snapshotWithFallbacks("https://req", "")
	require.Zero(t, status)
	require.Equal(t, "https://req", url)
}

func TestNoopFetcherError(t *testing.T) {
	t.Parallel()

	fetcher := NewNoop()
	_, err := fetcher.Fetch(context.Background(), crawler.FetchRequest{})
	require.ErrorIs(t, err, ErrUnavailable)
	require.NoError(t, fetcher.Close())
}
