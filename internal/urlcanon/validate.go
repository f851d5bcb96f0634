package urlcanon

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
)

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

var localhostNames = map[string]struct{}{
	"localhost":             {},
	"localhost.localdomain": {},
	"ip6-localhost":         {},
	"ip6-loopback":          {},
	"0":                     {},
	"0.0.0.0":               {},
}

var metadataHosts = map[string]struct{}{
	"169.254.169.254":          {},
	"fd00:ec2::254":            {},
	"metadata.google.internal": {},
	"metadata":                 {},
}

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// Validator rejects scan targets that are malformed or point at internal
// infrastructure.
type Validator struct {
	resolver Resolver
}

// NewValidator builds a Validator. A nil resolver uses net.DefaultResolver.
func NewValidator(resolver Resolver) *Validator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Validator{resolver: resolver}
}

// ValidateForScanning checks length, scheme and host of raw. Hostnames are
// resolved and every address must be public. Lookup failures pass; the
// fetch will fail on its own.
func (v *Validator) ValidateForScanning(ctx context.Context, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return crawler.NewError(crawler.CodeInvalidURL, "url is required")
	}
	if len(raw) > MaxURLLength {
		return crawler.NewError(crawler.CodeInvalidURL, fmt.Sprintf("url exceeds %d characters", MaxURLLength))
	}
	u, err := url.Parse(raw)
	if err != nil {
		return crawler.NewError(crawler.CodeInvalidURL, "url cannot be parsed")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return crawler.NewError(crawler.CodeUnsupportedScheme, fmt.Sprintf("scheme %q is not allowed", u.Scheme))
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return crawler.NewError(crawler.CodeInvalidURL, "url has no host")
	}
	if _, ok := localhostNames[host]; ok || strings.HasSuffix(host, ".localhost") {
		return crawler.NewError(crawler.CodeLocalhostNotAllowed, "localhost targets are not allowed")
	}
	if _, ok := metadataHosts[host]; ok {
		return crawler.NewError(crawler.CodeMetadataServiceBlocked, "cloud metadata endpoints are blocked")
	}

	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return checkAddr(addr)
	}
	addrs, err := v.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return err
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	if _, ok := metadataHosts[addr.String()]; ok {
		return crawler.NewError(crawler.CodeMetadataServiceBlocked, "cloud metadata endpoints are blocked")
	}
	switch {
	case addr.IsLoopback() || addr.IsUnspecified():
		return crawler.NewError(crawler.CodeLocalhostNotAllowed, fmt.Sprintf("%s is a loopback address", addr))
	case addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast():
		return crawler.NewError(crawler.CodeLinkLocalNotAllowed, fmt.Sprintf("%s is link-local", addr))
	case addr.IsPrivate():
		return crawler.NewError(crawler.CodePrivateIPNotAllowed, fmt.Sprintf("%s is a private address", addr))
	case addr.IsMulticast():
		return crawler.NewError(crawler.CodePrivateIPNotAllowed, fmt.Sprintf("%s is a multicast address", addr))
	}
	for _, prefix := range reservedPrefixes {
		if prefix.Contains(addr) {
			return crawler.NewError(crawler.CodePrivateIPNotAllowed, fmt.Sprintf("%s is a reserved address", addr))
		}
	}
	return nil
}
