package discover

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
)

const homePage = `<html><body>
<nav class="menu">
  <a href="/pricing">Pricing</a>
  <a href="/product/analytics">Analytics</a>
  <a href="https://www.acme.com/blog/">Blog</a>
  <a href="/login">Log in</a>
  <a href="/wp-admin/">Admin</a>
</nav>
<main>
  <a href="/contact">Talk to us</a>
  <a href="/pricing?utm_source=nav#faq">Plans and pricing</a>
  <a href="/assets/brochure.pdf">Brochure</a>
  <a href="/download?file=setup.exe">Download</a>
  <a href="https://twitter.com/acme">Twitter</a>
  <a href="mailto:sales@acme.com">Mail</a>
  <a href="javascript:void(0)">noop</a>
</main>
<footer><a href="/about">About us</a><a href="/legal/privacy">Privacy</a></footer>
</body></html>`

type stubFetcher struct {
	result crawler.FetchResult
	err    error
	calls  int
}

func (s *stubFetcher) FetchStatic(context.Context, string) (crawler.FetchResult, error) {
	s.calls++
	return s.result, s.err
}

func TestCandidatesFiltersAndRanks(t *testing.T) {
	t.Parallel()

	urls, err := Candidates(homePage, "https://acme.com/", MaxURLs)
	require.NoError(t, err)
	require.Equal(t, "https://acme.com/", urls[0])
	require.Contains(t, urls, "https://acme.com/pricing")
	require.Contains(t, urls, "https://acme.com/blog")
	require.Contains(t, urls, "https://acme.com/contact")
	for _, u := range urls {
		require.NotContains(t, u, "login")
		require.NotContains(t, u, "wp-admin")
		require.NotContains(t, u, ".pdf")
		require.NotContains(t, u, "setup.exe")
		require.NotContains(t, u, "twitter.com")
	}
	// "pricing" in path plus "plan" in the anchor text of the second link.
	require.Equal(t, "https://acme.com/pricing", urls[1])
	require.Equal(t, "https://acme.com/contact", urls[len(urls)-1])
}

func TestCandidatesDeterministic(t *testing.T) {
	t.Parallel()

	a, err := Candidates(homePage, "https://acme.com/", MaxURLs)
	require.NoError(t, err)
	b, err := Candidates(homePage, "https://acme.com/", MaxURLs)
	require.NoError(t, err)
	require.Equal(t, a, b)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	psA := BuildPageSet("https://acme.com", a, now)
	psB := BuildPageSet("https://acme.com", b, now.Add(time.Hour))
	require.Equal(t, psA.URLs, psB.URLs)
	require.Equal(t, psA.Hash, psB.Hash)
	require.NotEmpty(t, psA.Hash)
}

func TestCandidatesBounded(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&b, `<a href="/page-%d">Page %d</a>`, i, i)
	}
	b.WriteString("</body></html>")

	urls, err := Candidates(b.String(), "https://acme.com/", MaxURLs)
	require.NoError(t, err)
	require.Len(t, urls, MaxURLs)
	require.Equal(t, "https://acme.com/", urls[0])
	// Equal scores keep discovery order.
	require.Equal(t, "https://acme.com/page-0", urls[1])

	ps := BuildPageSet("https://acme.com/", urls, time.Now())
	require.LessOrEqual(t, len(ps.URLs), MaxURLs)
}

func TestDiscoverFallsBackToSeed(t *testing.T) {
	t.Parallel()

	d := New(0, nil)

	fetchErr := &stubFetcher{err: errors.New("dial tcp: i/o timeout")}
	require.Equal(t, []string{"https://example.com/"}, d.Discover(context.Background(), fetchErr, "http://www.Example.com"))

	notFound := &stubFetcher{result: crawler.FetchResult{Status: 404, HTML: homePage}}
	require.Equal(t, []string{"https://acme.com/"}, d.Discover(context.Background(), notFound, "https://acme.com/"))
}

func TestDiscoverUsesSeedPage(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{result: crawler.FetchResult{Status: 200, HTML: homePage}}
	urls := New(3, nil).Discover(context.Background(), fetcher, "https://acme.com")
	require.Len(t, urls, 3)
	require.Equal(t, "https://acme.com/", urls[0])
	require.Equal(t, 1, fetcher.calls)
}

func TestDiscoverSinglePageSite(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{result: crawler.FetchResult{Status: 200, HTML: "<html><body>Hello</body></html>"}}
	urls := New(0, nil).Discover(context.Background(), fetcher, "https://example.com")
	require.Equal(t, []string{"https://example.com/"}, urls)
}

func TestScore(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, Score("https://acme.com/contact", "Talk to us"))
	require.Equal(t, 1, Score("https://acme.com/pricing", "Pricing"))
	require.Equal(t, 2, Score("https://acme.com/pricing", "Plans"))
	require.Equal(t, 2, Score("https://acme.com/company/team", ""))
}
