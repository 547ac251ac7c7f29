package proxy

import (
	"context"
	"net"
	"net/http"

	"github.com/apex/log"
	"github.com/elazarl/goproxy"
)

// HTTPProxyServer serves the authenticating HTTP forward proxy.
//
// It supports:
// - plain HTTP proxying through the client's pinned transport
// - CONNECT tunneling (via connection hijacking + bidirectional copy)
// - TLS interception of CONNECTs to hosts that need authentication
type HTTPProxyServer struct {
	ctx         context.Context
	srv         *http.Server
	proxy       *goproxy.ProxyHttpServer
	interceptor *Interceptor
}

// NewHTTPProxyServer constructs an HTTP proxy server with the given config.
//
// Serve starts accepting connections on a listener; Close stops the underlying
// http.Server.
func NewHTTPProxyServer(ctx context.Context, cfg Config) *HTTPProxyServer {
	if ctx == nil {
		ctx = context.Background()
	}
	i := NewInterceptor(cfg)

	p := goproxy.NewProxyHttpServer()
	p.Logger = goproxyLogger{}
	p.KeepAcceptEncoding = true
	p.CertStore = newCertCache()
	p.OnRequest().DoFunc(i.onRequest)
	p.OnResponse().DoFunc(i.onResponse)
	p.OnRequest().HandleConnectFunc(i.onConnect)

	h := &HTTPProxyServer{ctx: ctx, proxy: p, interceptor: i}
	h.srv = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: cfg.NegotiationTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return h.ctx
		},
	}
	return h
}

// Serve serves HTTP proxy requests on ln.
func (s *HTTPProxyServer) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Close stops the HTTP server.
func (s *HTTPProxyServer) Close() error {
	return s.srv.Close()
}

type goproxyLogger struct{}

func (goproxyLogger) Printf(format string, v ...any) {
	log.Debugf("goproxy: "+format, v...)
}
