package headless

import (
	"context"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
)

// ErrUnavailable signals that rendering is disabled in this deployment.
var ErrUnavailable = crawler.ErrRenderingDisabled

// Noop implements crawler.Renderer but always fails with ErrUnavailable.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch returns ErrUnavailable.
func (Noop) Fetch(_ context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, ErrUnavailable
}

// Close is a no-op.
func (Noop) Close() error {
	return nil
}
