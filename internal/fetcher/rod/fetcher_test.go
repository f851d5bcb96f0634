package rodfetcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
)

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxParallel: 2, SettleDelay: -time.Second}, nil)
	require.Equal(t, DefaultNavigationTimeout, f.cfg.NavigationTimeout)
	require.Zero(t, f.cfg.SettleDelay)
	require.Equal(t, 2, cap(f.limiter))
}

func TestCloseWithoutLaunchIsIdempotent(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: "https://example.com"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestFetchHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: "https://example.com"})
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, f.browser)
}

func TestDocumentResponse(t *testing.T) {
	t.Parallel()

	var doc documentResponse
	status, url, mime := doc.get()
	require.Zero(t, status)
	require.Empty(t, url)
	require.Empty(t, mime)

	doc.set(404, "https://example.com/missing", "text/html")
	status, url, mime = doc.get()
	require.Equal(t, 404, status)
	require.Equal(t, "https://example.com/missing", url)
	require.Equal(t, "text/html", mime)
}
