// Package summarizer chooses which pages feed the competitor profile.
package summarizer

import (
	"net/url"
	"sort"
	"strings"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
)

// Input limits.
const (
	MaxPages        = 3
	MaxCharsPerPage = 6000
	MaxTotalChars   = 18000
)

var excludedPathParts = []string{"privacy", "terms"}

// Select drops legal pages, prefers changed pages (then longer text), and
// truncates text so no page exceeds MaxCharsPerPage and the batch stays
// under MaxTotalChars.
func Select(pages []crawler.SummaryInput) []crawler.SummaryInput {
	candidates := make([]crawler.SummaryInput, 0, len(pages))
	for _, page := range pages {
		if excluded(page.URL) {
			continue
		}
		if strings.TrimSpace(page.Text) == "" && page.Title == "" && page.MetaDescription == "" {
			continue
		}
		candidates = append(candidates, page)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Changed != candidates[j].Changed {
			return candidates[i].Changed
		}
		return len(candidates[i].Text) > len(candidates[j].Text)
	})
	if len(candidates) > MaxPages {
		candidates = candidates[:MaxPages]
	}

	budget := MaxTotalChars
	out := make([]crawler.SummaryInput, 0, len(candidates))
	for _, page := range candidates {
		limit := MaxCharsPerPage
		if budget < limit {
			limit = budget
		}
		page.Text = truncateRunes(page.Text, limit)
		budget -= len([]rune(page.Text))
		out = append(out, page)
	}
	return out
}

func excluded(rawURL string) bool {
	path := strings.ToLower(rawURL)
	if u, err := url.Parse(rawURL); err == nil {
		path = strings.ToLower(u.Path)
	}
	for _, part := range excludedPathParts {
		if strings.Contains(path, part) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
