// Package discover finds same-site links on a seed page and ranks them into
// the page set crawled by a scan.
package discover

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
	"github.com/smrk-ai/simplecomptool/internal/urlcanon"
)

// MaxURLs bounds every discovered list and page set.
const MaxURLs = 20

// Keywords raise the discovery score of a link when found in its path or
// anchor text.
var Keywords = []string{
	"pricing", "plan", "product", "features", "solutions",
	"customers", "case-study", "docs", "blog", "changelog",
	"news", "careers", "jobs", "about", "company", "team",
	"security", "privacy", "terms",
}

var deniedPathParts = []string{
	"logout", "login", "signin", "signup", "cart", "checkout",
	"private", "admin", "wp-admin", "wp-login", "account",
}

var deniedExtensions = []string{
	".pdf", ".jpg", ".jpeg", ".png", ".gif", ".svg", ".webp", ".zip",
	".rar", ".7z", ".mp4", ".mp3", ".avi", ".mov", ".wmv",
	".exe", ".dmg", ".deb", ".rpm", ".css", ".js", ".ico", ".xml",
}

// StaticFetcher performs the seed fetch.
type StaticFetcher interface {
	FetchStatic(ctx context.Context, url string) (crawler.FetchResult, error)
}

// Discoverer turns a seed URL into candidate page URLs.
type Discoverer struct {
	maxURLs int
	logger  *zap.Logger
}

// New builds a Discoverer. maxURLs <= 0 or above MaxURLs uses MaxURLs.
func New(maxURLs int, logger *zap.Logger) *Discoverer {
	if maxURLs <= 0 || maxURLs > MaxURLs {
		maxURLs = MaxURLs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{maxURLs: maxURLs, logger: logger}
}

// Discover fetches seed statically and returns up to maxURLs canonical URLs
// with seed first. Any failure degrades to the seed alone.
func (d *Discoverer) Discover(ctx context.Context, fetcher StaticFetcher, seed string) []string {
	canonicalSeed := urlcanon.CanonicalOrRaw(seed)
	fallback := []string{canonicalSeed}

	result, err := fetcher.FetchStatic(ctx, canonicalSeed)
	if err != nil {
		d.logger.Warn("seed fetch failed, using seed only", zap.String("url", canonicalSeed), zap.Error(err))
		return fallback
	}
	if result.Status < 200 || result.Status > 299 {
		d.logger.Warn("seed returned non-2xx, using seed only",
			zap.String("url", canonicalSeed),
			zap.Int("status", result.Status),
		)
		return fallback
	}

	urls, err := Candidates(result.HTML, canonicalSeed, d.maxURLs)
	if err != nil {
		d.logger.Warn("link extraction failed, using seed only", zap.String("url", canonicalSeed), zap.Error(err))
		return fallback
	}
	d.logger.Info("discovery finished", zap.String("url", canonicalSeed), zap.Int("urls", len(urls)))
	return urls
}

type candidate struct {
	url   string
	score int
	order int
}

// Candidates extracts, filters and scores the links in rawHTML relative to
// seed. The result starts with seed and holds at most limit URLs.
func Candidates(rawHTML, seed string, limit int) ([]string, error) {
	if limit <= 0 || limit > MaxURLs {
		limit = MaxURLs
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, err
	}

	scored := make(map[string]*candidate)
	var ordered []*candidate
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		canonical, err := urlcanon.Canonicalize(href, seed)
		if err != nil {
			return
		}
		if filtered(canonical, seed) {
			return
		}
		score := Score(canonical, strings.TrimSpace(sel.Text()))
		if existing, ok := scored[canonical]; ok {
			if score > existing.score {
				existing.score = score
			}
			return
		}
		c := &candidate{url: canonical, score: score, order: len(ordered)}
		scored[canonical] = c
		ordered = append(ordered, c)
	})

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].score > ordered[j].score
	})

	out := make([]string, 0, limit)
	out = append(out, seed)
	for _, c := range ordered {
		if len(out) == limit {
			break
		}
		if c.url == seed {
			continue
		}
		out = append(out, c.url)
	}
	return out, nil
}

// Score counts the keywords present in the URL path or the anchor text.
func Score(rawURL, anchor string) int {
	path := strings.ToLower(rawURL)
	if u, err := url.Parse(rawURL); err == nil {
		path = strings.ToLower(u.Path)
	}
	anchor = strings.ToLower(anchor)
	score := 0
	for _, keyword := range Keywords {
		if strings.Contains(path, keyword) || strings.Contains(anchor, keyword) {
			score++
		}
	}
	return score
}

func filtered(canonical, seed string) bool {
	if !urlcanon.SameSite(canonical, seed) {
		return true
	}
	u, err := url.Parse(canonical)
	if err != nil {
		return true
	}
	path := strings.ToLower(u.Path)
	for _, part := range deniedPathParts {
		if strings.Contains(path, part) {
			return true
		}
	}
	query := strings.ToLower(u.RawQuery)
	for _, ext := range deniedExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
		if query != "" && strings.Contains(query, ext) {
			return true
		}
	}
	return false
}
