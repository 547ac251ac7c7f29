package dialer

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpproxy"
)

// Upstreams selects how to reach a target: directly, through the configured
// HTTP upstream for http targets, or through the HTTPS upstream for https
// targets and CONNECT tunnels. Targets matching the NO_PROXY list and
// loopback targets are always reached directly.
type Upstreams struct {
	direct    Dialer
	proxyFunc func(*url.URL) (*url.URL, error)
	dialers   map[string]Dialer
}

// NewUpstreams builds Upstreams from upstream proxy URLs (empty for none) and
// NO_PROXY patterns such as "*.corp.example", ".corp.example" or "10.0.0.0/8".
func NewUpstreams(cfg Config, httpUpstream, httpsUpstream string, noProxy []string) (*Upstreams, error) {
	u := &Upstreams{
		direct:  NewDirectDialer(cfg),
		dialers: make(map[string]Dialer),
	}

	for _, up := range []string{httpUpstream, httpsUpstream} {
		if up == "" {
			continue
		}
		d, err := New(cfg, up)
		if err != nil {
			return nil, errors.Wrapf(err, "upstream %q", up)
		}
		pu, err := url.Parse(up)
		if err != nil {
			return nil, errors.Wrapf(err, "upstream %q", up)
		}
		u.dialers[upstreamKey(pu)] = d
	}

	patterns := make([]string, 0, len(noProxy))
	for _, p := range noProxy {
		// httpproxy wants ".example.com" for subdomain matches.
		p = strings.TrimSpace(p)
		if p != "*" {
			p = strings.TrimPrefix(p, "*")
		}
		if p != "" {
			patterns = append(patterns, p)
		}
	}

	pc := httpproxy.Config{
		HTTPProxy:  httpUpstream,
		HTTPSProxy: httpsUpstream,
		NoProxy:    strings.Join(patterns, ","),
	}
	u.proxyFunc = pc.ProxyFunc()

	return u, nil
}

func upstreamKey(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// lookup returns the upstream URL and dialer for a target, or nil and the
// direct dialer when the target is reached directly.
func (u *Upstreams) lookup(scheme, hostport string) (*url.URL, Dialer) {
	pu, err := u.proxyFunc(&url.URL{Scheme: scheme, Host: hostport})
	if err != nil || pu == nil {
		return nil, u.direct
	}
	d, ok := u.dialers[upstreamKey(pu)]
	if !ok {
		return nil, u.direct
	}
	return pu, d
}

// DialerFor returns the dialer that reaches hostport for scheme. HTTP(S)
// upstreams are used via CONNECT.
func (u *Upstreams) DialerFor(scheme, hostport string) Dialer {
	_, d := u.lookup(scheme, hostport)
	return d
}

// HasHTTPSUpstreamProxy reports whether https requests to hostport go through
// an HTTP(S) upstream proxy.
func (u *Upstreams) HasHTTPSUpstreamProxy(hostport string) bool {
	_, d := u.lookup("https", hostport)
	_, ok := d.(*HTTPProxyDialer)
	return ok
}

// ProxyFor returns an http.Transport Proxy func that forwards requests to an
// HTTP(S) upstream, or nil when none is configured for scheme.
func (u *Upstreams) ProxyFor(scheme string) func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		pu, d := u.lookup(scheme, req.URL.Host)
		if _, ok := d.(*HTTPProxyDialer); !ok {
			return nil, nil
		}
		return pu, nil
	}
}

// DialContextFor returns an http.Transport DialContext func for scheme. It
// dials SOCKS5 upstreams itself; connections to an HTTP(S) upstream are
// dialed directly and the transport speaks the proxy protocol.
func (u *Upstreams) DialContextFor(scheme string) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		_, d := u.lookup(scheme, addr)
		if _, ok := d.(*SOCKS5ProxyDialer); ok {
			return d.DialContext(ctx, network, addr)
		}
		return u.direct.DialContext(ctx, network, addr)
	}
}
