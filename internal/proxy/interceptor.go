package proxy

import (
	"io"
	"net/http"
	"strings"

	"github.com/apex/log"
	"github.com/elazarl/goproxy"
	"github.com/pkg/errors"

	"github.com/die-net/ntlmconduit/internal/connctx"
	"github.com/die-net/ntlmconduit/internal/handshake"
	"github.com/die-net/ntlmconduit/internal/sso"
	"github.com/die-net/ntlmconduit/internal/target"
)

// ErrInvalidHost is returned for requests without a usable destination or
// that would loop back into the proxy.
var ErrInvalidHost = errors.New(`invalid request: could not read "host" header or "host" header refers to this proxy`)

// AuthMode is how a response asks to be authenticated.
type AuthMode int

const (
	NotApplicable AuthMode = iota
	NTLM
	Negotiate
	NotSupported
)

func (m AuthMode) String() string {
	switch m {
	case NotApplicable:
		return "NotApplicable"
	case NTLM:
		return "NTLM"
	case Negotiate:
		return "Negotiate"
	case NotSupported:
		return "NotSupported"
	default:
		return "AuthMode(?)"
	}
}

// ClassifyResponse picks the authentication a response demands. Negotiate is
// only chosen when single sign-on is enabled for the host.
func ClassifyResponse(resp *http.Response, useSSO bool) AuthMode {
	if resp.StatusCode != http.StatusUnauthorized || len(resp.Header.Values("Www-Authenticate")) == 0 {
		return NotApplicable
	}
	if useSSO && handshake.AcceptsNegotiate(resp) {
		return Negotiate
	}
	if handshake.AcceptsNTLM(resp) {
		return NTLM
	}
	return NotSupported
}

// exchange carries per request state from the request handler to the
// response handler in goproxy's ProxyCtx.UserData.
type exchange struct {
	host                  target.Host
	clientAddress         string
	clientProxyConnection bool
}

// Interceptor decides for each proxied request whether its connection must
// authenticate, and runs the handshake when the server asks for it.
type Interceptor struct {
	hosts     HostConfig
	upstreams UpstreamSelector
	contexts  *connctx.Manager
	ntlm      handshake.Provider
	negotiate handshake.Provider
	newHelper sso.Factory
	filter    HeaderFilter
	port      string
	mitm      *goproxy.ConnectAction
}

// NewInterceptor returns an Interceptor for cfg.
func NewInterceptor(cfg Config) *Interceptor {
	filter := cfg.HeaderFilter
	if filter == nil {
		filter = DefaultHeaderFilter()
	}
	ca := cfg.CA
	if ca == nil {
		ca = &goproxy.GoproxyCa
	}
	return &Interceptor{
		hosts:     cfg.Hosts,
		upstreams: cfg.Upstreams,
		contexts:  cfg.Contexts,
		ntlm:      cfg.NTLM,
		negotiate: cfg.Negotiate,
		newHelper: cfg.NewSSOHelper,
		filter:    filter,
		port:      cfg.ListenPort,
		mitm: &goproxy.ConnectAction{
			Action:    goproxy.ConnectMitm,
			TLSConfig: goproxy.TLSConfigFromCA(ca),
		},
	}
}

// targetHost resolves the destination of req, refusing requests addressed to
// the proxy itself.
func (i *Interceptor) targetHost(req *http.Request, isTLS bool) (target.Host, error) {
	h, err := target.Parse(req.Host, isTLS)
	if err != nil {
		return target.Host{}, errors.Wrap(ErrInvalidHost, err.Error())
	}
	if i.isSelf(h) {
		return target.Host{}, ErrInvalidHost
	}
	return h, nil
}

func (i *Interceptor) isSelf(h target.Host) bool {
	return i.port != "" && h.IsLoopback && h.Port == i.port
}

func (i *Interceptor) isControlPlane(h target.Host) bool {
	base := i.hosts.ControlPlaneBaseURL()
	if base == "" {
		return false
	}
	cp, err := target.Parse(base, false)
	return err == nil && cp.Equal(h)
}

// context returns the client's connection context, replacing it when the
// client switched to a different host.
func (i *Interceptor) context(clientAddress string, isTLS bool, h target.Host) (*connctx.Context, error) {
	c := i.contexts.Get(clientAddress)
	if c != nil && !c.MatchHostOrNew(h) {
		log.WithFields(log.Fields{"client": clientAddress, "target": h.Href}).Debug("client socket switched target, removing its context")
		i.contexts.Remove("reuse", clientAddress)
		c = nil
	}
	if c != nil {
		return c, nil
	}

	c, err := i.contexts.Create(clientAddress, isTLS)
	if errors.Is(err, connctx.ErrContextExists) {
		if c = i.contexts.Get(clientAddress); c != nil {
			return c, nil
		}
	}
	return c, err
}

func (i *Interceptor) onRequest(req *http.Request, pctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	isTLS := req.URL.Scheme == "https"

	h, err := i.targetHost(req, isTLS)
	if err != nil {
		log.WithError(err).WithField("client", req.RemoteAddr).Warn("refusing request")
		return req, newResponse(req, http.StatusBadRequest, err.Error())
	}

	c, err := i.context(req.RemoteAddr, isTLS, h)
	if err != nil {
		log.WithError(err).WithField("client", req.RemoteAddr).Error("could not create connection context")
		return req, newResponse(req, http.StatusInternalServerError, err.Error())
	}

	pctx.UserData = &exchange{
		host:                  h,
		clientAddress:         req.RemoteAddr,
		clientProxyConnection: req.Header.Get("Proxy-Connection") != "",
	}

	logger := log.WithFields(log.Fields{"id": c.ID(), "client": req.RemoteAddr, "target": h.Href})

	var tr http.RoundTripper
	switch {
	case i.hosts.RequiresNtlmOrSso(h):
		if i.hosts.UseSso(h) {
			logger.Debug("request to registered NTLM host (using SSO)")
		} else {
			logger.Debug("request to registered NTLM host")
		}
		c.ClearRequestBody()
		if req.Body != nil && req.Body != http.NoBody {
			req.Body = &recordingBody{ReadCloser: req.Body, conn: c}
		}
		tr = c.Transport()
	case i.isControlPlane(h):
		logger.Debug("request to control API")
		tr = i.contexts.UntrackedTransport(isTLS)
	default:
		logger.Debug("request pass on")
		tr = c.Transport()
	}
	pctx.RoundTripper = roundTripper(tr)

	return req, nil
}

// roundTripper reports failed round trips before goproxy sees them, since
// intercepted TLS connections never pass errors to the response handler.
func roundTripper(tr http.RoundTripper) goproxy.RoundTripper {
	return goproxy.RoundTripperFunc(func(req *http.Request, _ *goproxy.ProxyCtx) (*http.Response, error) {
		resp, err := tr.RoundTrip(req)
		if err != nil {
			logRequestError(req, err)
		}
		return resp, err
	})
}

func (i *Interceptor) onResponse(resp *http.Response, pctx *goproxy.ProxyCtx) *http.Response {
	if resp == nil {
		if pctx.Error != nil {
			return newResponse(pctx.Req, http.StatusBadGateway, pctx.Error.Error())
		}
		return nil
	}
	x, ok := pctx.UserData.(*exchange)
	if !ok || !i.hosts.RequiresNtlmOrSso(x.host) {
		return resp
	}

	c := i.contexts.Get(x.clientAddress)
	if c == nil || !c.IsNewOrAuthenticated(x.host) {
		return resp
	}

	useSSO := i.newHelper != nil && i.hosts.UseSso(x.host)
	logger := log.WithFields(log.Fields{"id": c.ID(), "client": x.clientAddress, "target": x.host.Href})

	mode := ClassifyResponse(resp, useSSO)
	switch mode {
	case NotApplicable:
		return resp
	case NotSupported:
		logger.WithField("www-authenticate", resp.Header.Values("Www-Authenticate")).Info("received 401 with unsupported protocol in www-authenticate header, ignoring")
		return resp
	}
	logger.WithField("mode", mode.String()).Debug("received 401 challenge, starting handshake")

	// The pinned transport has one connection; free it for the handshake.
	drainBody(resp)

	if c.IsTLS() && c.PeerCertificate() == nil {
		i.capturePeerCertificate(c, resp, logger)
	}

	if useSSO {
		if err := i.ensureHelper(c, mode, x.host); err != nil {
			logger.WithError(err).Warn("cannot perform handshake")
			return i.unauthorized(resp, x)
		}
	}

	provider := i.ntlm
	if mode == Negotiate {
		provider = i.negotiate
	}
	final, err := provider.Handshake(pctx.Req.Context(), &handshake.Exchange{
		Request: pctx.Req,
		Host:    x.host,
		Conn:    c,
		SSO:     useSSO,
	})
	if err == nil && final == nil {
		err = errors.New("handshake produced no response")
	}
	if err != nil {
		logger.WithError(err).Warn("cannot perform handshake")
		return i.unauthorized(resp, x)
	}

	FilterHeader(final.Header, i.filter)
	normalizeConnection(final.Header, x.clientProxyConnection, final.StatusCode)
	if final.Request == nil {
		final.Request = resp.Request
	}
	return final
}

func (i *Interceptor) capturePeerCertificate(c *connctx.Context, resp *http.Response, logger *log.Entry) {
	if resp.TLS == nil || len(resp.TLS.PeerCertificates) == 0 {
		logger.Debug("could not retrieve peer certificate for channel binding")
		return
	}
	cert := resp.TLS.PeerCertificates[0]
	if _, ok := sso.EndpointBinding(cert); !ok {
		logger.Debug("peer certificate has no usable fingerprint for channel binding")
		return
	}
	c.SetPeerCertificate(cert)
}

func (i *Interceptor) ensureHelper(c *connctx.Context, mode AuthMode, h target.Host) error {
	scheme := sso.SchemeNTLM
	if mode == Negotiate {
		scheme = sso.SchemeNegotiate
	}
	if cur := c.SSOHelper(); cur != nil && cur.Scheme() == scheme {
		return nil
	}

	helper, err := i.newHelper(scheme, h.Hostname, c.PeerCertificate())
	if err != nil {
		return errors.Wrapf(err, "%s single sign-on for %s", scheme, h.Hostname)
	}
	c.SetSSOHelper(helper)
	return nil
}

// unauthorized answers the client with an empty 401 carrying the original
// server response's headers.
func (i *Interceptor) unauthorized(orig *http.Response, x *exchange) *http.Response {
	h := orig.Header.Clone()
	h.Del("Content-Length")
	h.Del("Transfer-Encoding")
	FilterHeader(h, i.filter)
	normalizeConnection(h, x.clientProxyConnection, http.StatusUnauthorized)

	return &http.Response{
		Status:        "401 " + http.StatusText(http.StatusUnauthorized),
		StatusCode:    http.StatusUnauthorized,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          http.NoBody,
		ContentLength: 0,
		Request:       orig.Request,
	}
}

// recordingBody passes the request body through while keeping a copy for
// replay during a handshake.
type recordingBody struct {
	io.ReadCloser
	conn *connctx.Context
}

func (b *recordingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.conn.AddToRequestBody(p[:n])
	}
	return n, err
}

func newResponse(req *http.Request, status int, body string) *http.Response {
	resp := goproxy.NewResponse(req, goproxy.ContentTypeText, status, strings.TrimSpace(body)+"\n")
	resp.TransferEncoding = nil
	resp.Proto = "HTTP/1.1"
	resp.ProtoMajor = 1
	resp.ProtoMinor = 1
	return resp
}

func drainBody(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	_ = resp.Body.Close()
}

const maxDrain = 1 << 20
