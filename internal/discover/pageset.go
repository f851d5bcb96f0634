package discover

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
	"github.com/smrk-ai/simplecomptool/internal/hash/sha256"
	"github.com/smrk-ai/simplecomptool/internal/urlcanon"
)

// Page set identity. Bump PageSetVersion whenever ranking changes.
const (
	PageSetVersion = "v1"
	PageSetRules   = "home+1000;keywords;depth-5;lexicographic;max20"
)

const (
	homeBoost    = 1000
	depthPenalty = 5
)

type keywordWeight struct {
	keywords []string
	weight   int
}

var keywordWeights = []keywordWeight{
	{[]string{"pricing", "plan"}, 50},
	{[]string{"product", "features", "solutions"}, 40},
	{[]string{"customers", "case-study"}, 25},
	{[]string{"docs", "blog", "changelog", "news"}, 15},
	{[]string{"about", "company", "team"}, 10},
	{[]string{"careers", "jobs"}, 5},
	{[]string{"security"}, 5},
	{[]string{"privacy", "terms"}, 1},
}

// BuildPageSet canonicalizes, dedupes, ranks and truncates urls. Identical
// input yields an identical URL order and hash regardless of now.
func BuildPageSet(base string, urls []string, now time.Time) crawler.PageSet {
	canonicalBase := urlcanon.CanonicalOrRaw(base)
	seen := make(map[string]struct{}, len(urls))
	ranked := make([]string, 0, len(urls))
	for _, raw := range urls {
		canonical, err := urlcanon.Canonicalize(raw, canonicalBase)
		if err != nil {
			continue
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		ranked = append(ranked, canonical)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := RankScore(ranked[i]), RankScore(ranked[j])
		if si != sj {
			return si > sj
		}
		return ranked[i] < ranked[j]
	})
	if len(ranked) > MaxURLs {
		ranked = ranked[:MaxURLs]
	}

	ps := crawler.PageSet{
		Version:   PageSetVersion,
		Rules:     PageSetRules,
		URLs:      ranked,
		CreatedAt: now.UTC(),
		BaseURL:   canonicalBase,
	}
	ps.Hash = HashPageSet(ps)
	return ps
}

// RankScore applies the home boost, keyword weights and depth penalty.
func RankScore(canonical string) int {
	u, err := url.Parse(canonical)
	if err != nil {
		return 0
	}
	path := strings.ToLower(u.Path)
	score := 0
	if path == "" || path == "/" {
		score += homeBoost
	}
	for _, kw := range keywordWeights {
		for _, keyword := range kw.keywords {
			if strings.Contains(path, keyword) {
				score += kw.weight
				break
			}
		}
	}
	for _, segment := range strings.Split(path, "/") {
		if segment != "" {
			score -= depthPenalty
		}
	}
	return score
}

// HashPageSet hashes the sorted-keys JSON of the page set without its
// creation time.
func HashPageSet(ps crawler.PageSet) string {
	urls := ps.URLs
	if urls == nil {
		urls = []string{}
	}
	canonical := map[string]any{
		"base_url":         ps.BaseURL,
		"page_set_version": ps.Version,
		"rules":            ps.Rules,
		"urls":             urls,
	}
	// encoding/json writes map keys in sorted order.
	data, err := json.Marshal(canonical)
	if err != nil {
		return ""
	}
	return sha256.Sum(data)
}

// MarshalPageSet renders the persisted page-set artifact.
func MarshalPageSet(ps crawler.PageSet) (string, error) {
	data, err := json.Marshal(ps)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PrioritySubset splits a page set into at most three priority URLs (home,
// first pricing-like, first product-like, in that order) and the rest in
// their original order.
func PrioritySubset(urls []string, base string) (priority, rest []string) {
	basePath := pathOf(base)
	var home, pricing, product string
	picked := make(map[string]struct{}, 3)
	for _, u := range urls {
		path := pathOf(u)
		switch {
		case home == "" && (path == basePath || path == ""):
			home = u
		case pricing == "" && containsAny(path, "pricing", "plan"):
			pricing = u
		case product == "" && containsAny(path, "product", "solution", "features", "services"):
			product = u
		default:
			continue
		}
		picked[u] = struct{}{}
	}
	for _, u := range []string{home, pricing, product} {
		if u != "" {
			priority = append(priority, u)
		}
	}
	for _, u := range urls {
		if _, ok := picked[u]; !ok {
			rest = append(rest, u)
		}
	}
	return priority, rest
}

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.Trim(strings.ToLower(u.Path), "/")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
