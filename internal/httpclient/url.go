package httpclient

import (
	"fmt"
	"strconv"
	"strings"
)

// Scheme is the transport the URL selects.
type Scheme int

const (
	SchemeHTTP Scheme = iota
	SchemeHTTPS
)

func (s Scheme) String() string {
	if s == SchemeHTTPS {
		return "https"
	}
	return "http"
}

// URL is the parsed form this client works with: scheme, host, resolved
// port, and the request target (path plus query, never empty).
type URL struct {
	Scheme Scheme
	Host   string
	Port   uint16
	Path   string
}

// ParseURL takes an absolute http or https URL apart. A missing port falls
// back to the scheme default (80 or 443) and a missing path becomes "/".
func ParseURL(raw string) (URL, error) {
	var u URL

	scheme, rest, found := strings.Cut(raw, "://")
	if !found {
		return u, fmt.Errorf("%w: %q has no scheme", ErrInvalidURL, raw)
	}
	switch strings.ToLower(scheme) {
	case "http":
		u.Scheme = SchemeHTTP
		u.Port = 80
	case "https":
		u.Scheme = SchemeHTTPS
		u.Port = 443
	default:
		return u, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}

	hostPort := rest
	u.Path = "/"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hostPort = rest[:i]
		u.Path = rest[i:]
	}

	host := hostPort
	if i := strings.LastIndexByte(hostPort, ':'); i >= 0 {
		host = hostPort[:i]
		port, err := strconv.ParseUint(hostPort[i+1:], 10, 16)
		if err != nil || port == 0 {
			return u, fmt.Errorf("%w: bad port in %q", ErrInvalidURL, raw)
		}
		u.Port = uint16(port)
	}
	if host == "" {
		return u, fmt.Errorf("%w: %q has no host", ErrInvalidURL, raw)
	}
	u.Host = host
	return u, nil
}

// hostHeader renders the Host header value, omitting default ports.
func (u URL) hostHeader() string {
	if (u.Scheme == SchemeHTTP && u.Port == 80) || (u.Scheme == SchemeHTTPS && u.Port == 443) {
		return u.Host
	}
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}
