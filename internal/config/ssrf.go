package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrUnsafeUpstreamURL is returned when an upstream base URL resolves to an
// address this process should never be told to connect to.
var ErrUnsafeUpstreamURL = errors.New("config: upstream URL resolves to a disallowed address")

// ValidateUpstreamURL checks both the URL's syntax and, by resolving its
// host, the actual address it points to — guarding against SSRF via a
// hostname that only resolves to a private/loopback/link-local address at
// connection time (spec §9). Combines a scheme/host syntax check with a DNS
// resolution on a context so callers can bound how long this blocks.
func ValidateUpstreamURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parsing upstream URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", ErrUnsafeUpstreamURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrUnsafeUpstreamURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if !isPublicIP(ip) {
			return fmt.Errorf("%w: %s is not a public address", ErrUnsafeUpstreamURL, ip)
		}
		return nil
	}

	resolver := &net.Resolver{}
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolving upstream host %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: %s resolved to no addresses", ErrUnsafeUpstreamURL, host)
	}
	for _, a := range addrs {
		if !isPublicIP(a.IP) {
			return fmt.Errorf("%w: %s resolves to %s", ErrUnsafeUpstreamURL, host, a.IP)
		}
	}
	return nil
}

// isPublicIP rejects loopback, private, link-local, unspecified,
// multicast, documentation/test-net and broadcast addresses — the standard
// SSRF denylist. An IPv4-mapped IPv6 address is judged by the IPv4 address
// it wraps.
func isPublicIP(ip net.IP) bool {
	switch {
	case ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsUnspecified(),
		ip.IsMulticast():
		return false
	}

	// ip.To4() unwraps IPv4-mapped IPv6 addresses (::ffff:a.b.c.d) too, so
	// this also catches an attacker trying to smuggle a reserved v4 address
	// through its v6-mapped form.
	if ip4 := ip.To4(); ip4 != nil && isDocumentationOrReservedV4(ip4) {
		return false
	}
	return true
}

// documentationAndReservedV4 lists IPv4 ranges reserved for documentation,
// benchmarking, or other non-routable use (RFC 5737, RFC 2544, RFC 6598,
// plus the broadcast address).
var documentationAndReservedV4 = []net.IPNet{
	mustCIDR("192.0.2.0/24"),    // TEST-NET-1
	mustCIDR("198.51.100.0/24"), // TEST-NET-2
	mustCIDR("203.0.113.0/24"),  // TEST-NET-3
	mustCIDR("198.18.0.0/15"),   // benchmarking
	mustCIDR("100.64.0.0/10"),   // carrier-grade NAT
	mustCIDR("255.255.255.255/32"),
}

func isDocumentationOrReservedV4(ip4 net.IP) bool {
	for _, network := range documentationAndReservedV4 {
		if network.Contains(ip4) {
			return true
		}
	}
	return false
}

func mustCIDR(s string) net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return *n
}
