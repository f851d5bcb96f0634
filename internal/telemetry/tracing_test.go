package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	t.Parallel()

	shutdown, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestNewTracerProviderRecordsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp, err := NewTracerProvider(context.Background(), Config{ServiceName: "test"}, sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "scan.priority_phase")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "scan.priority_phase", ended[0].Name())
}

func TestSamplerRatio(t *testing.T) {
	t.Parallel()

	require.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	require.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestHandlerPassesThrough(t *testing.T) {
	t.Parallel()

	h := Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), "test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}
