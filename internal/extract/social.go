package extract

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// SocialLink is a social profile referenced by a page.
type SocialLink struct {
	Platform string
	Handle   string
	URL      string
}

type socialPattern struct {
	platform string
	hosts    []string
	path     *regexp.Regexp
}

var socialPatterns = []socialPattern{
	{"twitter", []string{"twitter.com", "x.com"}, regexp.MustCompile(`^/(\w+)`)},
	{"linkedin", []string{"linkedin.com"}, regexp.MustCompile(`^/(?:in|company)/([\w-]+)`)},
	{"facebook", []string{"facebook.com", "fb.com"}, regexp.MustCompile(`^/([\w.-]+)`)},
	{"instagram", []string{"instagram.com"}, regexp.MustCompile(`^/(\w[\w.]*)`)},
	{"youtube", []string{"youtube.com"}, regexp.MustCompile(`^/(?:user/|c/|channel/|@)([\w.-]+)`)},
	{"tiktok", []string{"tiktok.com"}, regexp.MustCompile(`^/@([\w.-]+)`)},
	{"github", []string{"github.com"}, regexp.MustCompile(`^/([\w-]+)`)},
}

// Path segments that look like handles but are share or system routes.
var reservedHandles = map[string]struct{}{
	"share": {}, "sharer": {}, "sharer.php": {}, "intent": {}, "home": {},
	"login": {}, "signup": {}, "hashtag": {}, "search": {}, "explore": {},
	"watch": {}, "policies": {}, "privacy": {}, "about": {}, "p": {},
}

// SocialLinks returns the distinct social profiles linked from rawHTML.
// The first matching platform wins for each link.
func SocialLinks(rawHTML, pageURL string) []SocialLink {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var links []SocialLink
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		link, ok := matchSocial(base.ResolveReference(ref))
		if !ok {
			return
		}
		key := link.Platform + "|" + strings.ToLower(link.Handle)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		links = append(links, link)
	})
	return links
}

func matchSocial(u *url.URL) (SocialLink, bool) {
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	for _, pattern := range socialPatterns {
		if !hostMatches(host, pattern.hosts) {
			continue
		}
		match := pattern.path.FindStringSubmatch(u.Path)
		if match == nil {
			return SocialLink{}, false
		}
		handle := match[1]
		if _, reserved := reservedHandles[strings.ToLower(handle)]; reserved {
			return SocialLink{}, false
		}
		return SocialLink{Platform: pattern.platform, Handle: handle, URL: u.String()}, true
	}
	return SocialLink{}, false
}

func hostMatches(host string, candidates []string) bool {
	for _, candidate := range candidates {
		if host == candidate || strings.HasSuffix(host, "."+candidate) {
			return true
		}
	}
	return false
}
