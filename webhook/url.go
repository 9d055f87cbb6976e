package webhook

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/prilive-com/botgate/tg"
)

var allowedPorts = map[string]bool{"80": true, "88": true, "443": true, "8443": true}

// CheckURL validates a webhook endpoint URL. Outside local mode the scheme
// must be https and the port one of the public webhook ports.
func CheckURL(rawURL string, local bool) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, tg.BadRequest("invalid webhook URL")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !local {
			return nil, tg.BadRequest("an HTTPS URL must be provided for webhook")
		}
	default:
		return nil, tg.BadRequest("invalid webhook URL protocol")
	}
	if u.Host == "" {
		return nil, tg.BadRequest("invalid webhook URL host")
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	if !local && !allowedPorts[port] {
		return nil, tg.Errorf(400, "Bad Request: bad webhook port %s, only ports 80, 88, 443 and 8443 are supported", port)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, tg.BadRequest("invalid webhook URL port")
	}
	return u, nil
}

// Resolver looks up the IPv4 address of a webhook host. Swapped out in
// tests.
type Resolver func(ctx context.Context, host string) (net.IP, error)

// DefaultResolver resolves via the system resolver and returns the first
// IPv4 address.
func DefaultResolver(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("webhook: no IPv4 address for %s", host)
	}
	return addrs[0], nil
}

// CheckIP rejects endpoints resolving to reserved or non-IPv4 addresses
// unless local mode is enabled.
func CheckIP(ip net.IP, local bool) error {
	v4 := ip.To4()
	if v4 == nil {
		return tg.BadRequest("webhook host must resolve to an IPv4 address")
	}
	if local {
		return nil
	}
	if v4.IsLoopback() || v4.IsPrivate() || v4.IsUnspecified() ||
		v4.IsLinkLocalUnicast() || v4.IsLinkLocalMulticast() || v4.IsMulticast() {
		return tg.BadRequest("webhook host resolves to a reserved address")
	}
	return nil
}
