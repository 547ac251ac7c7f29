package connctx

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Transport performs requests for a Context and is closed when the Context is
// destroyed.
type Transport interface {
	http.RoundTripper
	Close() error
}

// TransportFactory creates a Transport. isTLS reports whether the client
// connection was a TLS interception.
type TransportFactory func(isTLS bool) Transport

// TransportConfig configures a PooledTransport.
type TransportConfig struct {
	// DialContext connects to the upstream, either directly or through a
	// SOCKS5 proxy.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	// Proxy selects an HTTP(S) upstream proxy for a request.
	Proxy           func(*http.Request) (*url.URL, error)
	TLSClientConfig *tls.Config
	// MaxConnsPerHost of 1 pins every request for a host to one socket.
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
}

// PooledTransport is an http.Transport with HTTP/1.1 keep-alive that closes
// its idle connections on Close.
type PooledTransport struct {
	*http.Transport
}

// NewPooledTransport builds a PooledTransport from cfg. HTTP/2 is disabled
// since connection-oriented authentication only works on HTTP/1.1.
func NewPooledTransport(cfg TransportConfig) *PooledTransport {
	tr := &http.Transport{
		Proxy:                 cfg.Proxy,
		DialContext:           cfg.DialContext,
		TLSClientConfig:       cfg.TLSClientConfig,
		TLSNextProto:          map[string]func(string, *tls.Conn) http.RoundTripper{},
		ForceAttemptHTTP2:     false,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}
	if tr.MaxIdleConnsPerHost == 0 {
		tr.MaxIdleConnsPerHost = http.DefaultMaxIdleConnsPerHost
	}

	return &PooledTransport{Transport: tr}
}

// Close drops the transport's idle upstream connections. A connection busy
// with a request closes once that request's context is canceled.
func (t *PooledTransport) Close() error {
	t.CloseIdleConnections()
	return nil
}
