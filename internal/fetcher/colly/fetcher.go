// Package collyfetcher implements the static Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
)

// Default timeouts and retry backoff for static fetches.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 15 * time.Second
	DefaultUserAgent      = "Mozilla/5.0 (compatible; SimpleCompTool/1.0)"
)

// DefaultRetryDelays returns the backoff between attempts: 1s then 2s.
func DefaultRetryDelays() []time.Duration {
	return []time.Duration{1 * time.Second, 2 * time.Second}
}

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	RespectRobots  bool
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// RetryDelays holds one entry per retry; nil uses DefaultRetryDelays.
	RetryDelays []time.Duration
	MaxBodySize int
}

// Fetcher implements crawler.Fetcher using the Colly collector. The HTTP
// connection pool is created on first use and released by Close.
type Fetcher struct {
	cfg    Config
	logger *zap.Logger

	once          sync.Once
	transport     *http.Transport
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. No connections are opened until the first Fetch.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.RetryDelays == nil {
		cfg.RetryDelays = DefaultRetryDelays()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, logger: logger}
}

func (f *Fetcher) init() {
	f.once.Do(func() {
		f.transport = newHTTPTransport(f.cfg)
		opts := []colly.CollectorOption{
			colly.Async(false),
			colly.AllowURLRevisit(),
			colly.ParseHTTPErrorResponse(),
		}
		if f.cfg.MaxBodySize > 0 {
			opts = append(opts, colly.MaxBodySize(f.cfg.MaxBodySize))
		}
		c := colly.NewCollector(opts...)
		c.WithTransport(f.transport)
		c.SetRequestTimeout(f.cfg.ReadTimeout)
		f.baseCollector = c
	})
}

// Fetch GETs request.URL, following redirects, retrying transport errors
// with the configured backoff. Non-2xx statuses are returned as responses.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.init()
	var lastErr error
	attempts := len(f.cfg.RetryDelays) + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			f.logger.Debug("retrying static fetch",
				zap.String("url", request.URL),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return crawler.FetchResponse{}, fmt.Errorf("static fetch canceled: %w", ctx.Err())
			case <-time.After(f.cfg.RetryDelays[attempt-1]):
			}
		}
		resp, err := f.fetchOnce(ctx, request)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return crawler.FetchResponse{}, lastErr
}

// Close releases idle connections of the pool.
func (f *Fetcher) Close() error {
	if f.transport != nil {
		f.transport.CloseIdleConnections()
	}
	return nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	collector := f.buildCollector(ctx, request, time.Now(), &result, &fetchErr)
	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	if result.URL == "" {
		return crawler.FetchResponse{}, errors.New("colly returned no response")
	}
	result.URL = request.URL
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.Context = ctx
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		contentType := headers.Get("Content-Type")
		if contentType == "" {
			contentType = "text/html"
		}
		*result = crawler.FetchResponse{
			URL:         request.URL,
			FinalURL:    r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			Headers:     headers,
			Body:        append([]byte(nil), r.Body...),
			ContentType: contentType,
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport(cfg Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   5,
		IdleConnTimeout:       90 * time.Second,
	}
}
