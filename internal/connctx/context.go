package connctx

import (
	"crypto/x509"
	"sync"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/die-net/ntlmconduit/internal/sso"
	"github.com/die-net/ntlmconduit/internal/target"
)

// Context is the per client connection authentication state.
type Context struct {
	id            string
	clientAddress string
	isTLS         bool
	transport     Transport

	mu          sync.Mutex
	lastHost    target.Host
	lastState   State
	requestBody []byte
	helper      sso.Helper
	peerCert    *x509.Certificate

	done        chan struct{}
	destroyOnce sync.Once
}

// New returns a Context for the client at clientAddress using transport for
// all of its upstream requests.
func New(clientAddress string, isTLS bool, transport Transport) *Context {
	return &Context{
		id:            uuid.NewString(),
		clientAddress: clientAddress,
		isTLS:         isTLS,
		transport:     transport,
		done:          make(chan struct{}),
	}
}

func (c *Context) ID() string            { return c.id }
func (c *Context) ClientAddress() string { return c.clientAddress }
func (c *Context) IsTLS() bool           { return c.isTLS }
func (c *Context) Transport() Transport  { return c.transport }

// Done is closed when the context is destroyed. Requests in flight on the
// transport should be canceled then.
func (c *Context) Done() <-chan struct{} { return c.done }

// IsNewOrAuthenticated reports whether h may be requested without waiting on
// an unfinished handshake: the context has never seen a host, or it has
// completed authentication against h.
func (c *Context) IsNewOrAuthenticated(h target.Host) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastHost.IsZero() {
		return true
	}
	return c.lastHost.Equal(h) && c.lastState == Authenticated
}

// MatchHostOrNew reports whether the context is unused or last talked to h.
func (c *Context) MatchHostOrNew(h target.Host) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastHost.IsZero() || c.lastHost.Equal(h)
}

// State returns the authentication state against h, NotAuthenticated when h
// is not the last host.
func (c *Context) State(h target.Host) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastHost.Equal(h) {
		return NotAuthenticated
	}
	return c.lastState
}

// SetState records s against h, replacing whatever host came before.
func (c *Context) SetState(h target.Host, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastHost = h
	c.lastState = s
}

func (c *Context) ClearRequestBody() {
	c.mu.Lock()
	c.requestBody = nil
	c.mu.Unlock()
}

// AddToRequestBody appends a chunk of the client's request body so it can be
// replayed on a later handshake leg.
func (c *Context) AddToRequestBody(chunk []byte) {
	c.mu.Lock()
	c.requestBody = append(c.requestBody, chunk...)
	c.mu.Unlock()
}

// RequestBody returns a copy of the buffered request body.
func (c *Context) RequestBody() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.requestBody == nil {
		return nil
	}
	return append([]byte(nil), c.requestBody...)
}

// SSOHelper returns the single sign-on helper or nil if none was set.
func (c *Context) SSOHelper() sso.Helper {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.helper
}

// SetSSOHelper installs h, closing any different helper it replaces.
func (c *Context) SetSSOHelper(h sso.Helper) {
	c.mu.Lock()
	old := c.helper
	c.helper = h
	c.mu.Unlock()

	if old != nil && old != h {
		if err := old.Close(); err != nil {
			log.WithError(err).WithField("id", c.id).Debug("close sso helper")
		}
	}
}

func (c *Context) PeerCertificate() *x509.Certificate {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.peerCert
}

func (c *Context) SetPeerCertificate(cert *x509.Certificate) {
	c.mu.Lock()
	c.peerCert = cert
	c.mu.Unlock()
}

// Destroy cancels in-flight handshakes and releases the transport and helper.
// Only the first call has effect.
func (c *Context) Destroy() {
	c.destroyOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		helper := c.helper
		c.helper = nil
		c.requestBody = nil
		c.mu.Unlock()

		if helper != nil {
			_ = helper.Close()
		}
		if c.transport != nil {
			_ = c.transport.Close()
		}
	})
}
