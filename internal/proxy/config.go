package proxy

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/die-net/ntlmconduit/internal/connctx"
	"github.com/die-net/ntlmconduit/internal/dialer"
	"github.com/die-net/ntlmconduit/internal/handshake"
	"github.com/die-net/ntlmconduit/internal/sso"
	"github.com/die-net/ntlmconduit/internal/target"
)

// HostConfig says which targets need authentication.
type HostConfig interface {
	RequiresNtlm(h target.Host) bool
	UseSso(h target.Host) bool
	RequiresNtlmOrSso(h target.Host) bool
	ControlPlaneBaseURL() string
}

// UpstreamSelector picks how targets are reached.
type UpstreamSelector interface {
	DialerFor(scheme, hostport string) dialer.Dialer
	HasHTTPSUpstreamProxy(hostport string) bool
}

type Config struct {
	NegotiationTimeout time.Duration
	HTTPIdleTimeout    time.Duration

	KeepAlive net.KeepAliveConfig

	Hosts     HostConfig
	Upstreams UpstreamSelector
	Contexts  *connctx.Manager

	NTLM      handshake.Provider
	Negotiate handshake.Provider
	// NewSSOHelper builds single sign-on helpers. Nil disables single
	// sign-on; such hosts then fall back to explicit credentials.
	NewSSOHelper sso.Factory

	// HeaderFilter defaults to DefaultHeaderFilter.
	HeaderFilter HeaderFilter

	// CA signs intercepted TLS connections. Nil uses goproxy's built-in CA.
	CA *tls.Certificate

	// ListenPort is the proxy's own port, used to refuse requests that
	// would loop back into it.
	ListenPort string
}
