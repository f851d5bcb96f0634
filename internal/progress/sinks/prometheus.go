package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/smrk-ai/simplecomptool/internal/progress"
)

// PrometheusSink exports scan progress via Prometheus. It owns the collectors
// for scans started/completed/running and per-site page counters.
type PrometheusSink struct {
	scansStarted   prometheus.Counter
	scansCompleted *prometheus.CounterVec
	scansRunning   prometheus.Gauge
	scanRuntime    *prometheus.HistogramVec

	pages        *prometheus.CounterVec
	pagesDropped prometheus.Counter
	pageBytes    *prometheus.CounterVec
	pageDuration *prometheus.HistogramVec

	tracker *scanTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		scansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scan_progress_started_total",
			Help: "Total scans that have started.",
		}),
		scansCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scan_progress_completed_total",
			Help: "Total scans completed partitioned by result.",
		}, []string{"result"}),
		scansRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scan_progress_running",
			Help: "Current number of running scans.",
		}),
		scanRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scan_progress_runtime_seconds",
			Help:    "Wall time per completed scan.",
			Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scan_progress_pages_total",
			Help: "Persisted pages partitioned by site, status class and fetch path.",
		}, []string{"site", "status_class", "via"}),
		pagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scan_progress_pages_dropped_total",
			Help: "Pages dropped after a fetch or recoverable storage failure.",
		}),
		pageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scan_progress_page_bytes_total",
			Help: "Raw HTML bytes persisted per site.",
		}, []string{"site"}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scan_progress_page_fetch_seconds",
			Help:    "Fetch duration of persisted pages partitioned by phase.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"phase"}),
		tracker: newScanTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.scansStarted,
		s.scansCompleted,
		s.scansRunning,
		s.scanRuntime,
		s.pages,
		s.pagesDropped,
		s.pageBytes,
		s.pageDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageScanStart, progress.StageScanDone, progress.StageScanFailed:
		s.handleScanEvent(evt)
	case progress.StagePageDone:
		s.handlePageEvent(evt)
	case progress.StagePageDropped:
		s.pagesDropped.Inc()
	}
}

func (s *PrometheusSink) handleScanEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageScanStart:
		s.scansStarted.Inc()
		if s.tracker.start(evt.SnapshotID) {
			s.scansRunning.Inc()
		}
		return
	case progress.StageScanDone:
		s.scansCompleted.WithLabelValues("done").Inc()
		s.observeRuntime(evt, "done")
	case progress.StageScanFailed:
		s.scansCompleted.WithLabelValues("failed").Inc()
		s.observeRuntime(evt, "failed")
	}
	if s.tracker.complete(evt.SnapshotID) {
		s.scansRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.scanRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handlePageEvent(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	via := evt.Via
	if via == "" {
		via = "unknown"
	}
	s.pages.WithLabelValues(site, statusClass, via).Inc()
	if evt.Bytes > 0 {
		s.pageBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		phase := evt.Phase
		if phase == "" {
			phase = "unknown"
		}
		s.pageDuration.WithLabelValues(phase).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type scanTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newScanTracker() *scanTracker {
	return &scanTracker{running: make(map[string]struct{})}
}

func (t *scanTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *scanTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
