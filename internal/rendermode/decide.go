// Package rendermode picks the fetch strategy for a scan by probing the seed.
package rendermode

import (
	"context"

	"go.uber.org/zap"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
	"github.com/smrk-ai/simplecomptool/internal/extract"
	"github.com/smrk-ai/simplecomptool/internal/metrics"
)

// DefaultMinQuickText is the quick-text length below which a site is
// treated as script-rendered.
const DefaultMinQuickText = 500

// Prober performs the static probe fetch.
type Prober interface {
	FetchStatic(ctx context.Context, url string) (crawler.FetchResult, error)
}

// Decider chooses a crawler.RenderMode for a seed URL.
type Decider struct {
	minQuickText int
	logger       *zap.Logger
}

// New builds a Decider. minQuickText <= 0 uses DefaultMinQuickText.
func New(minQuickText int, logger *zap.Logger) *Decider {
	if minQuickText <= 0 {
		minQuickText = DefaultMinQuickText
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decider{minQuickText: minQuickText, logger: logger}
}

// Decide probes seed with a static fetch. Status >= 400 or any probe error
// selects rendered; thin quick text or SPA markers select hybrid.
func (d *Decider) Decide(ctx context.Context, prober Prober, seed string) crawler.RenderMode {
	mode, reason := d.decide(ctx, prober, seed)
	d.logger.Info("render mode decided",
		zap.String("url", seed),
		zap.String("mode", string(mode)),
		zap.String("reason", reason),
	)
	metrics.ObserveRenderMode(string(mode))
	return mode
}

func (d *Decider) decide(ctx context.Context, prober Prober, seed string) (crawler.RenderMode, string) {
	result, err := prober.FetchStatic(ctx, seed)
	if err != nil {
		return crawler.RenderRendered, "probe_error"
	}
	if result.Status >= 400 {
		return crawler.RenderRendered, "probe_status"
	}
	if len([]rune(extract.QuickText(result.HTML))) < d.minQuickText {
		return crawler.RenderHybrid, "thin_text"
	}
	if extract.HasSPAMarkers(result.HTML) {
		return crawler.RenderHybrid, "spa_marker"
	}
	return crawler.RenderStatic, "static_ok"
}
