// Package headless contains fetchers that execute JavaScript via browsers.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
)

// Defaults for rendered fetches.
const (
	DefaultNavigationTimeout = 30 * time.Second
	DefaultSettleDelay       = 500 * time.Millisecond
)

// ErrClosed is returned by Fetch after Close.
var ErrClosed = errors.New("headless fetcher closed")

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	ExecPath          string
	NoSandbox         bool
}

// Fetcher implements crawler.Renderer using chromedp and headless Chrome.
// One browser process starts on the first Fetch and every page opens in its
// own tab of that browser.
type Fetcher struct {
	cfg         Config
	logger      *zap.Logger
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc

	mu            sync.Mutex
	closed        bool
	browser       context.Context
	browserCancel context.CancelFunc
	launches      int
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultNavigationTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		logger:      logger,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down. Calling it more than once is a no-op.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.browserCancel != nil {
		f.browserCancel()
	}
	f.allocCancel()
	return nil
}

func (f *Fetcher) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// ensureBrowser returns the shared browser context, launching Chrome on first
// use. A failed launch is not cached so the next Fetch retries.
func (f *Fetcher) ensureBrowser() (context.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if f.browser != nil {
		return f.browser, nil
	}
	browserCtx, cancel := chromedp.NewContext(f.allocator)
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	f.browser, f.browserCancel = browserCtx, cancel
	f.launches++
	f.logger.Debug("browser started")
	return f.browser, nil
}

func (f *Fetcher) browserLaunches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches
}

// Fetch opens request.URL in a new tab, waits for DOMContentLoaded plus the
// settle delay, and returns the rendered DOM. StatusCode is 0 when no
// document response was observed.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.isClosed() {
		return crawler.FetchResponse{}, ErrClosed
	}
	if err := f.acquire(ctx); err != nil {
		return crawler.FetchResponse{}, err
	}
	defer f.release()

	browserCtx, err := f.ensureBrowser()
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	tabCtx, closeTab := chromedp.NewContext(browserCtx)
	defer closeTab()

	taskCtx, cancel := context.WithTimeout(tabCtx, f.navTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	domReady := make(chan struct{})
	var readyOnce sync.Once
	chromedp.ListenTarget(taskCtx, func(ev any) {
		if _, ok := ev.(*page.EventDomContentEventFired); ok {
			readyOnce.Do(func() { close(domReady) })
			return
		}
		meta.captureEvent(ev)
	})

	start := time.Now()
	html, finalURL, err := f.runHeadless(taskCtx, request, domReady)
	if err != nil {
		return crawler.FetchResponse{}, err
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	contentType := headers.Get("Content-Type")
	if contentType == "" {
		contentType = "text/html"
	}
	f.logger.Debug("rendered page",
		zap.String("url", request.URL),
		zap.Int("status", status),
		zap.Duration("duration", time.Since(start)),
	)

	return crawler.FetchResponse{
		URL:          request.URL,
		FinalURL:     responseURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		ContentType:  contentType,
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

func (f *Fetcher) runHeadless(
	ctx context.Context,
	request crawler.FetchRequest,
	domReady <-chan struct{},
) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(request.Headers),
		navigateAction(request.URL),
		waitClosed(domReady),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

// navigateAction issues Page.navigate without waiting for the load event.
func navigateAction(url string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errorText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
		if errorText != "" {
			return fmt.Errorf("navigate: %s", errorText)
		}
		return nil
	})
}

func waitClosed(ch <-chan struct{}) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("wait for DOMContentLoaded: %w", ctx.Err())
		}
	})
}

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := page.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable page domain: %w", err)
		}
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// snapshotWithFallbacks prefers the observed document URL, then the tab
// location, then the requested URL. Status stays 0 when unknown.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}
	return status, headers, url
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return DefaultNavigationTimeout
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
