package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const samplePage = `<!doctype html>
<html><head>
<title>  Acme
  Pricing </title>
<meta name="description" content="Plans   for teams">
<style>body { color: red }</style>
<script>window.secret = "do not index";</script>
</head>
<body>
<nav><a href="/pricing">Pricing</a></nav>
<h1>Simple	pricing</h1>
<p>Start free.</p><p>Upgrade anytime.</p>
<noscript>Enable JS</noscript>
<!-- hidden comment -->
</body></html>`

func TestExtract(t *testing.T) {
	t.Parallel()

	got := Extract(samplePage)
	require.Equal(t, "Acme Pricing", got.Title)
	require.Equal(t, "Plans for teams", got.MetaDescription)
	require.Equal(t, "Pricing Simple pricing Start free. Upgrade anytime.", got.Text)
	require.NotContains(t, got.Text, "secret")
	require.NotContains(t, got.Text, "Enable JS")
	require.NotContains(t, got.Text, "hidden comment")
}

func TestExtractEmpty(t *testing.T) {
	t.Parallel()

	require.Equal(t, Content{}, Extract(""))
	require.Empty(t, Text("<html><body><script>x()</script></body></html>"))
}

func TestExtractCapsLength(t *testing.T) {
	t.Parallel()

	body := "<html><body><p>" + strings.Repeat("wörd ", MaxTextLength) + "</p></body></html>"
	text := Text(body)
	require.LessOrEqual(t, len([]rune(text)), MaxTextLength)
	require.Greater(t, len([]rune(text)), MaxTextLength-5)
	require.False(t, strings.HasSuffix(text, " "))
}

func TestQuickTextLimit(t *testing.T) {
	t.Parallel()

	body := "<html><body>" + strings.Repeat("<p>abcdefghij</p>", 1000) + "</body></html>"
	require.LessOrEqual(t, len([]rune(QuickText(body))), QuickTextLength)
	require.Empty(t, QuickText("   "))
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a b c", Normalize("  a\n\n b\t c ", 0))
	require.Equal(t, "ab", Normalize("abcdef", 2))
}

func TestHasSPAMarkers(t *testing.T) {
	t.Parallel()

	require.True(t, HasSPAMarkers(`<div ID="__next"></div>`))
	require.True(t, HasSPAMarkers(`<script src="/static/webpack-runtime.js"></script>`))
	require.True(t, HasSPAMarkers(`<div data-reactroot=""></div>`))
	require.False(t, HasSPAMarkers(`<div id="main">hello</div>`))
}

func TestSocialLinks(t *testing.T) {
	t.Parallel()

	page := `<html><body><footer>
<a href="https://twitter.com/acme">Twitter</a>
<a href="https://x.com/acme">X</a>
<a href="https://www.linkedin.com/company/acme-inc/">LinkedIn</a>
<a href="https://github.com/acme-labs">GitHub</a>
<a href="https://www.youtube.com/@acmevideos">YouTube</a>
<a href="https://www.tiktok.com/@acme.hq">TikTok</a>
<a href="https://twitter.com/intent/tweet?text=hi">Share</a>
<a href="/about">About</a>
</footer></body></html>`

	links := SocialLinks(page, "https://acme.com/")
	got := make(map[string]string)
	for _, link := range links {
		got[link.Platform] = link.Handle
	}
	require.Equal(t, map[string]string{
		"twitter":  "acme",
		"linkedin": "acme-inc",
		"github":   "acme-labs",
		"youtube":  "acmevideos",
		"tiktok":   "acme.hq",
	}, got)
	require.Len(t, links, 5)
}
