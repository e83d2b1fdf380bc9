// Package netsafe holds the checks applied to operator-supplied URLs and to
// response bodies read from them: scheme and SSRF validation for webhook
// targets, and bounded reads for portal pages and feeds.
package netsafe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
)

// MaxBody is the default cap for response bodies read from portals (8 MiB).
const MaxBody int64 = 8 << 20

// MinSecretLen is the shortest webhook signing secret accepted without a
// warning.
const MinSecretLen = 32

var (
	// ErrUnsafeScheme is returned for URLs that are not http or https.
	ErrUnsafeScheme = errors.New("netsafe: only http and https URLs are allowed")
	// ErrPrivateAddress is returned for URLs that resolve to loopback,
	// link-local or private ranges.
	ErrPrivateAddress = errors.New("netsafe: URL targets a private or loopback address")
	// ErrTooLarge is returned by ReadAll when the body exceeds its limit.
	ErrTooLarge = errors.New("netsafe: body exceeds limit")
)

var privateNets = mustCIDRs(
	"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
	"100.64.0.0/10", "169.254.0.0/16", "fc00::/7",
)

func mustCIDRs(list ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(list))
	for _, s := range list {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// IsPrivate reports whether ip is loopback, link-local, unspecified or in a
// private range.
func IsPrivate(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, n := range privateNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// CheckURL parses rawURL and requires http(s) and a host. Unless
// allowPrivate is set, the host must not be, or resolve to, a private
// address. Unresolvable hosts pass; the request will fail on its own.
func CheckURL(rawURL string, allowPrivate bool) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("netsafe: invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("netsafe: URL %q has no host", rawURL)
	}
	if allowPrivate {
		return u, nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsPrivate(ip) {
			return nil, ErrPrivateAddress
		}
		return u, nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return u, nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && IsPrivate(ip) {
			return nil, ErrPrivateAddress
		}
	}
	return u, nil
}

// ReadAll reads r up to max bytes and fails with ErrTooLarge beyond that.
func ReadAll(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		max = MaxBody
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, max)
	}
	return data, nil
}
