package security

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

var (
	ErrEndpointURL    = errors.New("endpoint must be an absolute http(s) URL")
	ErrEndpointHost   = errors.New("endpoint host is not publicly routable")
	ErrEndpointUserPw = errors.New("endpoint must not embed credentials")
)

// Names that resolve to the host itself or to a cloud metadata service.
var internalNames = map[string]bool{
	"localhost":                true,
	"localhost.localdomain":    true,
	"metadata":                 true,
	"metadata.google":          true,
	"metadata.google.internal": true,
}

// ValidateEndpointURL screens the endpoint a provider publishes with a
// listing. Literal IPs must be globally routable; names are only checked
// against a short deny list since listings are stored, never fetched.
func ValidateEndpointURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrEndpointURL
	}
	if u.User != nil {
		return ErrEndpointUserPw
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return ErrEndpointURL
	}
	if internalNames[host] || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("%w: %s", ErrEndpointHost, host)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	if !routable(addr.Unmap()) {
		return fmt.Errorf("%w: %s", ErrEndpointHost, addr)
	}
	return nil
}

func routable(a netip.Addr) bool {
	switch {
	case a.IsLoopback(), a.IsPrivate(), a.IsUnspecified(),
		a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast(), a.IsMulticast():
		return false
	}
	// Carrier-grade NAT.
	if a.Is4() && netip.MustParsePrefix("100.64.0.0/10").Contains(a) {
		return false
	}
	return true
}
