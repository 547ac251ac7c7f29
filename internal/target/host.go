package target

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrEmpty is returned when there is no host to parse.
var ErrEmpty = errors.New("empty host")

// Host identifies a request destination. Two Hosts are equal when their Href
// is equal. Construct Hosts with Parse so the fields stay consistent.
type Host struct {
	Scheme     string
	Hostname   string
	Port       string
	Href       string
	IsLoopback bool
}

// Parse builds a Host from a Host header value, a CONNECT authority
// ("host:port") or an absolute URL. When s carries no scheme, isTLS selects
// between https and http. A missing port is filled in from the scheme.
func Parse(s string, isTLS bool) (Host, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Host{}, ErrEmpty
	}

	scheme := "http"
	if isTLS {
		scheme = "https"
	}

	hostport := s
	if i := strings.Index(s, "://"); i >= 0 {
		u, err := url.Parse(s)
		if err != nil {
			return Host{}, errors.Wrapf(err, "parse host %q", s)
		}
		scheme = strings.ToLower(u.Scheme)
		hostport = u.Host
	}

	hostname, port, err := splitHostPort(hostport)
	if err != nil {
		return Host{}, errors.Wrapf(err, "parse host %q", s)
	}
	if hostname == "" {
		return Host{}, errors.Wrapf(ErrEmpty, "parse host %q", s)
	}
	if port == "" {
		port = DefaultPort(scheme)
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return Host{}, errors.Errorf("parse host %q: invalid port %q", s, port)
	}

	h := Host{
		Scheme:     scheme,
		Hostname:   strings.ToLower(hostname),
		Port:       port,
		IsLoopback: isLoopback(hostname),
	}
	h.Href = h.Scheme + "://" + h.Addr()
	return h, nil
}

// Addr returns the dialable "hostname:port" form.
func (h Host) Addr() string {
	return net.JoinHostPort(h.Hostname, h.Port)
}

// Equal reports whether h and o name the same destination.
func (h Host) Equal(o Host) bool {
	return h.Href == o.Href
}

// IsZero reports whether h was never set.
func (h Host) IsZero() bool {
	return h.Href == ""
}

func (h Host) String() string {
	return h.Href
}

// DefaultPort returns the well-known port for scheme, or "" if unknown.
func DefaultPort(scheme string) string {
	switch scheme {
	case "http", "ws":
		return "80"
	case "https", "wss":
		return "443"
	default:
		return ""
	}
}

func splitHostPort(s string) (string, string, error) {
	if strings.HasPrefix(s, "[") {
		if strings.HasSuffix(s, "]") {
			return strings.Trim(s, "[]"), "", nil
		}
		return net.SplitHostPort(s)
	}
	if strings.Count(s, ":") > 1 {
		// Bare IPv6 literal without brackets and without a port.
		return s, "", nil
	}
	if !strings.Contains(s, ":") {
		return s, "", nil
	}
	return net.SplitHostPort(s)
}

func isLoopback(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}
