// Package fetchmgr owns the per-scan fetch resources and fans fetches out
// under fixed concurrency caps.
package fetchmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
	"github.com/smrk-ai/simplecomptool/internal/extract"
	"github.com/smrk-ai/simplecomptool/internal/metrics"
)

// Default caps and thresholds.
const (
	DefaultStaticConcurrency   = 5
	DefaultRenderedConcurrency = 2
	// DefaultEscalateThreshold is the quick-text length below which a hybrid
	// page is re-fetched through the browser.
	DefaultEscalateThreshold = 300
)

// StaticFetcher is a Fetcher that owns a connection pool.
type StaticFetcher interface {
	crawler.Fetcher
	Close() error
}

// Waiter delays fetches for politeness.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config tunes every session created by a Manager.
type Config struct {
	StaticConcurrency   int
	RenderedConcurrency int
	EscalateThreshold   int
}

// Manager creates Sessions. It holds no per-scan state.
type Manager struct {
	cfg         Config
	newStatic   func() StaticFetcher
	newRenderer func() (crawler.Renderer, error)
	limiter     Waiter
	clock       crawler.Clock
	logger      *zap.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLimiter applies a politeness limiter before every network fetch.
func WithLimiter(w Waiter) Option {
	return func(m *Manager) {
		m.limiter = w
	}
}

// WithClock overrides the clock used to stamp FetchedAt.
func WithClock(c crawler.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// NewManager builds a Manager. newStatic and newRenderer are invoked at most
// once per session, on first need.
func NewManager(
	cfg Config,
	newStatic func() StaticFetcher,
	newRenderer func() (crawler.Renderer, error),
	logger *zap.Logger,
	opts ...Option,
) *Manager {
	if cfg.StaticConcurrency <= 0 {
		cfg.StaticConcurrency = DefaultStaticConcurrency
	}
	if cfg.RenderedConcurrency <= 0 {
		cfg.RenderedConcurrency = DefaultRenderedConcurrency
	}
	if cfg.EscalateThreshold <= 0 {
		cfg.EscalateThreshold = DefaultEscalateThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:         cfg,
		newStatic:   newStatic,
		newRenderer: newRenderer,
		clock:       systemClock{},
		logger:      logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewSession opens a scan-scoped session. Callers must Close it.
func (m *Manager) NewSession() *Session {
	return &Session{
		m:         m,
		staticSem: semaphore.NewWeighted(int64(m.cfg.StaticConcurrency)),
		renderSem: semaphore.NewWeighted(int64(m.cfg.RenderedConcurrency)),
	}
}

// Stats summarizes what a session did.
type Stats struct {
	StaticFetches   int64 `json:"static_fetches"`
	RenderedFetches int64 `json:"rendered_fetches"`
	Escalations     int64 `json:"escalations"`
	Errors          int64 `json:"errors"`
	BrowserStarted  bool  `json:"browser_started"`
}

// Session owns one static fetcher and at most one renderer for a single scan.
type Session struct {
	m         *Manager
	staticSem *semaphore.Weighted
	renderSem *semaphore.Weighted

	staticMu sync.Mutex
	static   StaticFetcher

	renderMu  sync.Mutex
	renderer  crawler.Renderer
	renderErr error

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error

	staticCount   atomic.Int64
	renderedCount atomic.Int64
	escalations   atomic.Int64
	errorCount    atomic.Int64
}

// ErrSessionClosed is returned for fetches issued after Close.
var ErrSessionClosed = errors.New("fetch session closed")

// Close releases the connection pool and browser if they were opened.
// Only the first call has an effect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		var errs []error
		s.staticMu.Lock()
		if s.static != nil {
			if err := s.static.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close static fetcher: %w", err))
			}
		}
		s.staticMu.Unlock()
		s.renderMu.Lock()
		if s.renderer != nil {
			if err := s.renderer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close renderer: %w", err))
			}
		}
		s.renderMu.Unlock()
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.renderMu.Lock()
	started := s.renderer != nil
	s.renderMu.Unlock()
	return Stats{
		StaticFetches:   s.staticCount.Load(),
		RenderedFetches: s.renderedCount.Load(),
		Escalations:     s.escalations.Load(),
		Errors:          s.errorCount.Load(),
		BrowserStarted:  started,
	}
}

// staticFetcher builds the static client on first use. Nothing is built
// once Close has started.
func (s *Session) staticFetcher() (StaticFetcher, error) {
	s.staticMu.Lock()
	defer s.staticMu.Unlock()
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if s.static == nil {
		s.static = s.m.newStatic()
	}
	return s.static, nil
}

func (s *Session) rendererFetcher() (crawler.Renderer, error) {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()
	if s.renderer != nil || s.renderErr != nil {
		return s.renderer, s.renderErr
	}
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if s.m.newRenderer == nil {
		s.renderErr = crawler.ErrRenderingDisabled
		return nil, s.renderErr
	}
	r, err := s.m.newRenderer()
	if err != nil {
		s.renderErr = fmt.Errorf("start renderer: %w", err)
		return nil, s.renderErr
	}
	s.m.logger.Debug("renderer started")
	s.renderer = r
	return r, nil
}

// FetchStatic fetches url with the static client only.
func (s *Session) FetchStatic(ctx context.Context, url string) (crawler.FetchResult, error) {
	if s.closed.Load() {
		return crawler.FetchResult{}, ErrSessionClosed
	}
	if err := s.staticSem.Acquire(ctx, 1); err != nil {
		return crawler.FetchResult{}, fmt.Errorf("static slot: %w", err)
	}
	defer s.staticSem.Release(1)
	if err := s.wait(ctx, url); err != nil {
		return crawler.FetchResult{}, err
	}

	static, err := s.staticFetcher()
	if err != nil {
		return crawler.FetchResult{}, err
	}
	resp, err := static.Fetch(ctx, crawler.FetchRequest{URL: url})
	s.staticCount.Add(1)
	if err != nil {
		return crawler.FetchResult{}, fmt.Errorf("static fetch %s: %w", url, err)
	}
	return s.toResult(url, resp, crawler.ViaStatic), nil
}

// FetchRendered fetches url through the browser, starting it if needed.
func (s *Session) FetchRendered(ctx context.Context, url string) (crawler.FetchResult, error) {
	if s.closed.Load() {
		return crawler.FetchResult{}, ErrSessionClosed
	}
	renderer, err := s.rendererFetcher()
	if err != nil {
		return crawler.FetchResult{}, err
	}
	if err := s.renderSem.Acquire(ctx, 1); err != nil {
		return crawler.FetchResult{}, fmt.Errorf("rendered slot: %w", err)
	}
	defer s.renderSem.Release(1)
	if err := s.wait(ctx, url); err != nil {
		return crawler.FetchResult{}, err
	}

	resp, err := renderer.Fetch(ctx, crawler.FetchRequest{URL: url})
	s.renderedCount.Add(1)
	if err != nil {
		return crawler.FetchResult{}, fmt.Errorf("rendered fetch %s: %w", url, err)
	}
	return s.toResult(url, resp, crawler.ViaRendered), nil
}

// Fetch fetches url according to mode and never fails: errors become
// placeholder results.
func (s *Session) Fetch(ctx context.Context, url string, mode crawler.RenderMode) crawler.FetchResult {
	result, err := s.fetchByMode(ctx, url, mode)
	if err != nil {
		s.errorCount.Add(1)
		s.m.logger.Warn("fetch failed",
			zap.String("url", url),
			zap.String("mode", string(mode)),
			zap.Error(err),
		)
		metrics.ObserveFetch(url, string(crawler.ViaError), 0)
		return s.placeholder(url, err)
	}
	metrics.ObserveFetch(url, string(result.Via), len(result.HTML))
	return result
}

func (s *Session) fetchByMode(ctx context.Context, url string, mode crawler.RenderMode) (crawler.FetchResult, error) {
	switch mode {
	case crawler.RenderStatic:
		return s.FetchStatic(ctx, url)
	case crawler.RenderRendered:
		result, err := s.FetchRendered(ctx, url)
		if errors.Is(err, crawler.ErrRenderingDisabled) {
			return s.FetchStatic(ctx, url)
		}
		return result, err
	case crawler.RenderHybrid:
		return s.fetchHybrid(ctx, url)
	default:
		return crawler.FetchResult{}, fmt.Errorf("unknown render mode %q", mode)
	}
}

// fetchHybrid tries the static client first and escalates to the browser
// when the static fetch errors or yields too little text.
func (s *Session) fetchHybrid(ctx context.Context, url string) (crawler.FetchResult, error) {
	static, staticErr := s.FetchStatic(ctx, url)
	if staticErr == nil && len([]rune(extract.QuickText(static.HTML))) >= s.m.cfg.EscalateThreshold {
		return static, nil
	}
	if ctx.Err() != nil {
		if staticErr != nil {
			return crawler.FetchResult{}, staticErr
		}
		return static, nil
	}

	s.escalations.Add(1)
	rendered, err := s.FetchRendered(ctx, url)
	if err == nil {
		return rendered, nil
	}
	if staticErr == nil {
		s.m.logger.Debug("escalation failed, keeping static result",
			zap.String("url", url),
			zap.Error(err),
		)
		return static, nil
	}
	return crawler.FetchResult{}, errors.Join(staticErr, err)
}

// FetchEach fetches every URL concurrently and calls fn once per URL, from
// the calling goroutine, in completion order.
func (s *Session) FetchEach(
	ctx context.Context,
	urls []string,
	mode crawler.RenderMode,
	fn func(crawler.FetchResult),
) {
	results := make(chan crawler.FetchResult, len(urls))
	for _, url := range urls {
		go func(url string) {
			results <- s.Fetch(ctx, url, mode)
		}(url)
	}
	for range urls {
		fn(<-results)
	}
}

// FetchAll fetches every URL and returns one result per input, in
// completion order, plus the session stats.
func (s *Session) FetchAll(ctx context.Context, urls []string, mode crawler.RenderMode) ([]crawler.FetchResult, Stats) {
	out := make([]crawler.FetchResult, 0, len(urls))
	s.FetchEach(ctx, urls, mode, func(r crawler.FetchResult) {
		out = append(out, r)
	})
	return out, s.Stats()
}

func (s *Session) wait(ctx context.Context, url string) error {
	if s.m.limiter == nil {
		return nil
	}
	if err := s.m.limiter.Wait(ctx, url); err != nil {
		return fmt.Errorf("politeness wait: %w", err)
	}
	return nil
}

func (s *Session) toResult(url string, resp crawler.FetchResponse, via crawler.Via) crawler.FetchResult {
	finalURL := resp.FinalURL
	if finalURL == "" {
		finalURL = url
	}
	return crawler.FetchResult{
		URL:         url,
		FinalURL:    finalURL,
		Status:      resp.StatusCode,
		Headers:     resp.Headers,
		HTML:        string(resp.Body),
		ContentType: resp.ContentType,
		Via:         via,
		FetchedAt:   s.m.clock.Now(),
		Duration:    resp.Duration,
	}
}

func (s *Session) placeholder(url string, err error) crawler.FetchResult {
	return crawler.FetchResult{
		URL:       url,
		FinalURL:  url,
		Status:    0,
		Via:       crawler.ViaError,
		FetchedAt: s.m.clock.Now(),
		Err:       err,
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
