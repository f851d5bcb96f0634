// Package extract turns HTML into normalized text, page metadata, SPA
// signals and social-profile links.
package extract

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const (
	// Version identifies the extraction policy stored with snapshots and pages.
	Version = "v1-collapse-50k"
	// MaxTextLength caps normalized text, in characters.
	MaxTextLength = 50000
	// QuickTextLength caps the probe text used by render-mode decisions.
	QuickTextLength = 5000
)

var droppedElements = "script, style, noscript, svg, iframe, template"

var spaMarkers = []string{
	`id="__next"`,
	`id="root"`,
	`data-reactroot`,
	`webpack`,
	`next/script`,
}

// Content is the extraction result for one page.
type Content struct {
	Title           string
	MetaDescription string
	Text            string
}

// Extract parses rawHTML and returns its normalized visible text plus title
// and meta description. Unparseable input yields empty Content.
func Extract(rawHTML string) Content {
	if strings.TrimSpace(rawHTML) == "" {
		return Content{}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return Content{}
	}
	content := Content{
		Title: Normalize(doc.Find("title").First().Text(), 0),
	}
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		content.MetaDescription = Normalize(desc, 0)
	} else if desc, ok := doc.Find(`meta[property="og:description"]`).First().Attr("content"); ok {
		content.MetaDescription = Normalize(desc, 0)
	}
	content.Text = visibleText(doc, MaxTextLength)
	return content
}

// Text returns the normalized visible text of rawHTML capped at MaxTextLength.
func Text(rawHTML string) string {
	return Extract(rawHTML).Text
}

// QuickText is the cheap probe extraction: visible text, whitespace
// collapsed, first QuickTextLength characters.
func QuickText(rawHTML string) string {
	if strings.TrimSpace(rawHTML) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return ""
	}
	return visibleText(doc, QuickTextLength)
}

// HasSPAMarkers reports whether rawHTML carries client-side framework markers.
func HasSPAMarkers(rawHTML string) bool {
	lower := strings.ToLower(rawHTML)
	for _, marker := range spaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Normalize collapses every whitespace run to a single space, trims the
// ends and truncates to limit characters when limit > 0.
func Normalize(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if limit > 0 && utf8.RuneCountInString(s) > limit {
		s = strings.TrimSpace(string([]rune(s)[:limit]))
	}
	return s
}

func visibleText(doc *goquery.Document, limit int) string {
	doc.Find(droppedElements).Remove()
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	var b strings.Builder
	for _, node := range root.Nodes {
		collectText(node, &b)
	}
	return Normalize(b.String(), limit)
}

func collectText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		b.WriteByte(' ')
		return
	case html.CommentNode:
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}
