package proxy

import (
	"crypto/tls"
	"time"

	"github.com/die-net/ntlmconduit/internal/connctx"
	"github.com/die-net/ntlmconduit/internal/dialer"
)

// TransportOptions configures the transports built by TransportFactories.
type TransportOptions struct {
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
	// InsecureSkipVerify disables verification of upstream server
	// certificates.
	InsecureSkipVerify bool
}

// TransportFactories returns the factories for a connctx.Manager. Pinned
// transports reach their targets through the configured upstreams with a
// single connection per host. Untracked transports always connect directly.
func TransportFactories(up *dialer.Upstreams, direct dialer.Dialer, opts TransportOptions) (pinned, untracked connctx.TransportFactory) {
	pinned = func(isTLS bool) connctx.Transport {
		scheme := "http"
		if isTLS {
			scheme = "https"
		}
		return connctx.NewPooledTransport(connctx.TransportConfig{
			DialContext:         up.DialContextFor(scheme),
			Proxy:               up.ProxyFor(scheme),
			TLSClientConfig:     tlsClientConfig(opts),
			MaxConnsPerHost:     1,
			IdleConnTimeout:     opts.IdleConnTimeout,
			TLSHandshakeTimeout: opts.TLSHandshakeTimeout,
		})
	}

	untracked = func(bool) connctx.Transport {
		return connctx.NewPooledTransport(connctx.TransportConfig{
			DialContext:         direct.DialContext,
			TLSClientConfig:     tlsClientConfig(opts),
			IdleConnTimeout:     opts.IdleConnTimeout,
			TLSHandshakeTimeout: opts.TLSHandshakeTimeout,
		})
	}

	return pinned, untracked
}

func tlsClientConfig(opts TransportOptions) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ClientSessionCache: tls.NewLRUClientSessionCache(0),
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // Operator opt-in.
	}
}
