package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitDelaysSecondRequest(t *testing.T) {
	t.Parallel()

	l := New(Config{
		DefaultRPS:   10, // one token every 100ms
		DefaultBurst: 1,
	})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterDifferentDomains(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.com/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, 2, l.Hosts())
}

func TestLimiterSharesBucketAcrossWWW(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 100, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://www.acme.com/"))
	require.NoError(t, l.Wait(context.Background(), "https://acme.com/pricing"))
	require.Equal(t, 1, l.Hosts())
}

func TestLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.com/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.com/next"))
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://fast.com/"))
	}
}
