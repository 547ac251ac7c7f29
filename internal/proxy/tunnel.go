package proxy

import (
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/apex/log"
	"github.com/elazarl/goproxy"

	"github.com/die-net/ntlmconduit/internal/target"
)

var tunnelBuffers = NewBufferPool(32768)

// onConnect lets goproxy intercept CONNECTs to hosts that need
// authentication or an HTTP(S) upstream proxy, and tunnels the rest.
func (i *Interceptor) onConnect(hostport string, pctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
	h, err := target.Parse(hostport, true)
	if err == nil && i.isSelf(h) {
		err = ErrInvalidHost
	}
	if err != nil {
		log.WithError(err).WithField("client", pctx.Req.RemoteAddr).Warn("invalid connect request")
		pctx.Resp = newResponse(pctx.Req, http.StatusBadRequest, err.Error())
		return goproxy.RejectConnect, hostport
	}

	if i.hosts.RequiresNtlmOrSso(h) || i.upstreams.HasHTTPSUpstreamProxy(h.Addr()) {
		return i.mitm, hostport
	}

	return &goproxy.ConnectAction{Action: goproxy.ConnectHijack, Hijack: i.tunnel(h)}, hostport
}

// tunnel connects a hijacked client to h and copies bytes both ways until
// either side is done.
func (i *Interceptor) tunnel(h target.Host) func(*http.Request, net.Conn, *goproxy.ProxyCtx) {
	return func(req *http.Request, client net.Conn, _ *goproxy.ProxyCtx) {
		clientAddress := req.RemoteAddr
		logger := log.WithFields(log.Fields{"client": clientAddress, "target": h.Addr()})

		ctx := req.Context()
		upstream, err := i.upstreams.DialerFor("https", h.Addr()).DialContext(ctx, "tcp", h.Addr())
		if err != nil {
			logSocketError(KindProxyToServerSocket, h.Addr(), err)
			_, _ = writeError(client, err, http.StatusBadGateway)
			_ = client.Close()
			return
		}

		if _, err := io.WriteString(client, "HTTP/1.1 200 OK\r\n\r\n"); err != nil {
			logSocketError(KindClientToProxySocket, h.Addr(), err)
			_ = upstream.Close()
			_ = client.Close()
			return
		}
		logger.Debug("tunnel established")

		i.contexts.AddTunnel(clientAddress, client, upstream)

		err = Splice(ctx, client, upstream, tunnelBuffers, func() {
			i.contexts.RemoveTunnel(clientAddress)
		})
		logSocketError(KindProxyToServerSocket, h.Addr(), err)
		logger.Debug("tunnel closed")
	}
}

// writeError simulates http.Error() for use on a hijacked connection.
func writeError(w io.Writer, err error, code int) (int, error) {
	return fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n%s\r\n", code, http.StatusText(code), err.Error())
}
