// Package rodfetcher implements the rendered Fetcher on top of go-rod.
package rodfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
)

// Defaults for rendered fetches.
const (
	DefaultNavigationTimeout = 30 * time.Second
	DefaultSettleDelay       = 500 * time.Millisecond
)

// ErrClosed is returned by Fetch after Close.
var ErrClosed = errors.New("rod fetcher closed")

// Config controls the browser launched by Fetcher.
type Config struct {
	MaxParallel       int
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	ExecPath          string
	NoSandbox         bool
}

// Fetcher renders pages with a Chrome instance driven by rod. The browser is
// launched on the first Fetch. Fetcher is safe for concurrent use.
type Fetcher struct {
	cfg     Config
	logger  *zap.Logger
	limiter chan struct{}

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
	closed   atomic.Bool
}

// New creates a Fetcher without starting Chrome.
func New(cfg Config, logger *zap.Logger) *Fetcher {
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
	return &Fetcher{cfg: cfg, logger: logger, limiter: limiter}
}

// Fetch navigates to request.URL, waits for DOMContentLoaded and the settle
// delay, then returns the rendered HTML.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.closed.Load() {
		return crawler.FetchResponse{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return crawler.FetchResponse{}, err
	}
	if err := f.acquire(ctx); err != nil {
		return crawler.FetchResponse{}, err
	}
	defer f.release()

	browser, err := f.ensureBrowser()
	if err != nil {
		return crawler.FetchResponse{}, err
	}

	start := time.Now()
	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("open page: %w", err)
	}
	defer func() { _ = page.Close() }()

	pageCtx, cancel := context.WithTimeout(ctx, f.cfg.NavigationTimeout)
	defer cancel()
	page = page.Context(pageCtx)

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("enable network domain: %w", err)
	}
	if len(request.Headers) > 0 {
		pairs := make([]string, 0, len(request.Headers)*2)
		for key := range request.Headers {
			pairs = append(pairs, key, request.Headers.Get(key))
		}
		if _, err := page.SetExtraHeaders(pairs); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("set extra headers: %w", err)
		}
	}

	doc := &documentResponse{}
	go page.EachEvent(func(e *proto.NetworkResponseReceived) {
		if e.Type == proto.NetworkResourceTypeDocument && e.Response != nil {
			doc.set(e.Response.Status, e.Response.URL, e.Response.MIMEType)
		}
	})()

	waitDOM := page.WaitEvent(&proto.PageDomContentEventFired{})
	if err := page.Navigate(request.URL); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("navigate: %w", err)
	}
	waitDOM()
	if err := pageCtx.Err(); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("wait for DOMContentLoaded: %w", err)
	}
	select {
	case <-pageCtx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("settle: %w", pageCtx.Err())
	case <-time.After(f.cfg.SettleDelay):
	}

	html, err := page.HTML()
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("read html: %w", err)
	}

	status, docURL, mime := doc.get()
	finalURL := docURL
	if info, err := page.Info(); err == nil && info.URL != "" {
		finalURL = info.URL
	}
	if finalURL == "" {
		finalURL = request.URL
	}
	if mime == "" {
		mime = "text/html"
	}
	return crawler.FetchResponse{
		URL:          request.URL,
		FinalURL:     finalURL,
		StatusCode:   status,
		Headers:      http.Header{},
		Body:         []byte(html),
		ContentType:  mime,
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

// Close shuts the browser down. Close is safe to call multiple times.
func (f *Fetcher) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.browser != nil {
		err = f.browser.Close()
		f.browser = nil
	}
	if f.launcher != nil {
		f.launcher.Kill()
		f.launcher = nil
	}
	return err
}

func (f *Fetcher) ensureBrowser() (*rod.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed.Load() {
		return nil, ErrClosed
	}
	if f.browser != nil {
		return f.browser, nil
	}

	l := launcher.New().
		Set("disable-dev-shm-usage").
		Leakless(true).
		Headless(true).
		NoSandbox(f.cfg.NoSandbox)
	if f.cfg.ExecPath != "" {
		l = l.Bin(f.cfg.ExecPath)
	}
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	f.logger.Info("rod browser launched", zap.Int("pid", l.PID()))
	f.browser = browser
	f.launcher = l
	return browser, nil
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rod slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	<-f.limiter
}

type documentResponse struct {
	mu     sync.Mutex
	status int
	url    string
	mime   string
}

func (d *documentResponse) set(status int, url, mime string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = status
	d.url = url
	d.mime = mime
}

func (d *documentResponse) get() (int, string, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status, d.url, d.mime
}
