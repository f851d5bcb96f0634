package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	require.NotNil(t, scannerPagesTotal)
	require.NotNil(t, scannerScansTotal)
	require.NotNil(t, httpRequestsTotal)
}

func TestObservers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(scannerPagesTotal.WithLabelValues("observe.test", "static"))
	ObserveFetch("https://observe.test/pricing", "static", 512)
	require.Equal(t, before+1, testutil.ToFloat64(scannerPagesTotal.WithLabelValues("observe.test", "static")))
	require.GreaterOrEqual(t, testutil.ToFloat64(scannerBytesTotal.WithLabelValues("observe.test")), float64(512))

	before = testutil.ToFloat64(scannerScansTotal.WithLabelValues("done"))
	ObserveScan("done")
	require.Equal(t, before+1, testutil.ToFloat64(scannerScansTotal.WithLabelValues("done")))

	before = testutil.ToFloat64(scannerRenderModeTotal.WithLabelValues("hybrid"))
	ObserveRenderMode("hybrid")
	require.Equal(t, before+1, testutil.ToFloat64(scannerRenderModeTotal.WithLabelValues("hybrid")))

	before = testutil.ToFloat64(scannerStorageErrorsTotal.WithLabelValues("quota"))
	ObserveStorageError("quota")
	require.Equal(t, before+1, testutil.ToFloat64(scannerStorageErrorsTotal.WithLabelValues("quota")))

	ObservePage(true)
	ObservePhase("phase_a", 2*time.Second)
	ObserveRateLimitDelay("observe.test", 50*time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(scannerPhaseDurationSeconds))
	require.Positive(t, testutil.CollectAndCount(scannerRateLimitDelaySeconds))

	IncActiveWorkers()
	DecActiveWorkers()
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
