// Package urlcanon canonicalizes URLs and validates scan targets.
//
// Canonical form: https scheme, lowercase ASCII host without a leading
// "www.", no default port, no fragment, no tracking parameters, query keys
// sorted, and no trailing slash except for the root path. Canonicalize is
// idempotent, so canonical URLs can be compared for equality.
package urlcanon

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

// MaxURLLength bounds scan targets.
const MaxURLLength = 2048

var trackingParams = map[string]struct{}{
	"fbclid": {},
	"gclid":  {},
	"gclsrc": {},
	"_ga":    {},
	"ref":    {},
	"source": {},
	"mc_cid": {},
	"mc_eid": {},
}

var (
	// ErrEmpty is returned for blank input.
	ErrEmpty = errors.New("empty url")
	// ErrNoHost is returned when the URL has no usable hostname.
	ErrNoHost = errors.New("url has no host")
)

// Canonicalize normalizes raw, resolving it against base when raw is relative.
// base may be empty for absolute input.
func Canonicalize(raw, base string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmpty
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		if base == "" {
			return "", fmt.Errorf("relative url %q without base: %w", raw, ErrNoHost)
		}
		b, err := url.Parse(strings.TrimSpace(base))
		if err != nil {
			return "", fmt.Errorf("parse base url: %w", err)
		}
		u = b.ResolveReference(u)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	host, err := canonicalHost(u.Hostname())
	if err != nil {
		return "", err
	}
	port := u.Port()
	if port == "80" || port == "443" {
		port = ""
	}

	out := &url.URL{
		Scheme: "https",
		Host:   host,
		Path:   canonicalPath(u.Path),
	}
	switch {
	case port != "":
		out.Host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		out.Host = "[" + host + "]"
	}
	out.RawQuery = canonicalQuery(u.Query())
	return out.String(), nil
}

// CanonicalOrRaw canonicalizes an absolute URL, returning raw unchanged on error.
func CanonicalOrRaw(raw string) string {
	c, err := Canonicalize(raw, "")
	if err != nil {
		return raw
	}
	return c
}

// Host returns the canonical host of an absolute URL.
func Host(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	host, err := canonicalHost(u.Hostname())
	if err != nil {
		return ""
	}
	return host
}

// SameSite reports whether a and b share a host once "www." is stripped.
func SameSite(a, b string) bool {
	ha, hb := Host(a), Host(b)
	return ha != "" && ha == hb
}

// NormalizeInput turns user input such as "Example.com/about" into the
// canonical base URL "https://example.com".
func NormalizeInput(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmpty
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host, err := canonicalHost(u.Hostname())
	if err != nil {
		return "", err
	}
	if !strings.Contains(host, ".") && net.ParseIP(host) == nil {
		return "", fmt.Errorf("host %q is not a domain: %w", host, ErrNoHost)
	}
	base := u.Scheme + "://" + u.Host + "/"
	return Canonicalize(base, "")
}

func canonicalHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return "", ErrNoHost
	}
	if net.ParseIP(host) == nil {
		ascii, err := idna.Punycode.ToASCII(host)
		if err != nil {
			return "", fmt.Errorf("idna host %q: %w", host, err)
		}
		host = ascii
	}
	for strings.HasPrefix(host, "www.") {
		host = strings.TrimPrefix(host, "www.")
	}
	if host == "" {
		return "", ErrNoHost
	}
	return host, nil
}

func canonicalPath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

func canonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for key := range q {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") {
			continue
		}
		if _, drop := trackingParams[lower]; drop {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		for _, value := range q[key] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(value))
		}
	}
	return b.String()
}
