package connctx

import (
	"net"
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// ErrContextExists is returned by Create when the client already has a
// Context.
var ErrContextExists = errors.New("connection context already exists")

// ErrManagerClosed is returned by Create after Close.
var ErrManagerClosed = errors.New("connection context manager closed")

type tunnel struct {
	client   net.Conn
	upstream net.Conn
}

// Manager owns every Context and CONNECT tunnel, keyed by client address.
type Manager struct {
	newPinned    TransportFactory
	newUntracked TransportFactory

	mu        sync.Mutex
	contexts  map[string]*Context
	tunnels   map[string]tunnel
	untracked map[bool]Transport
	closed    bool
}

// NewManager returns a Manager that builds pinned transports with pinned and
// shared transports for requests needing no authentication with untracked.
func NewManager(pinned, untracked TransportFactory) *Manager {
	return &Manager{
		newPinned:    pinned,
		newUntracked: untracked,
		contexts:     make(map[string]*Context),
		tunnels:      make(map[string]tunnel),
		untracked:    make(map[bool]Transport),
	}
}

// Get returns the Context for clientAddress, or nil.
func (m *Manager) Get(clientAddress string) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.contexts[clientAddress]
}

// Create makes a fresh Context for clientAddress.
func (m *Manager) Create(clientAddress string, isTLS bool) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if _, ok := m.contexts[clientAddress]; ok {
		return nil, errors.Wrapf(ErrContextExists, "client %s", clientAddress)
	}

	c := New(clientAddress, isTLS, m.newPinned(isTLS))
	m.contexts[clientAddress] = c

	log.WithFields(log.Fields{"id": c.ID(), "client": clientAddress, "tls": isTLS}).Debug("created connection context")

	return c, nil
}

// Remove destroys the Context for clientAddress if there is one.
func (m *Manager) Remove(reason, clientAddress string) {
	m.mu.Lock()
	c, ok := m.contexts[clientAddress]
	delete(m.contexts, clientAddress)
	m.mu.Unlock()

	if !ok {
		return
	}
	c.Destroy()

	log.WithFields(log.Fields{"id": c.ID(), "client": clientAddress, "reason": reason}).Debug("removed connection context")
}

// RemoveAll destroys every Context. Tunnels are left alone.
func (m *Manager) RemoveAll(reason string) {
	m.mu.Lock()
	contexts := m.contexts
	m.contexts = make(map[string]*Context)
	m.mu.Unlock()

	for _, c := range contexts {
		c.Destroy()
	}

	log.WithFields(log.Fields{"count": len(contexts), "reason": reason}).Debug("removed all connection contexts")
}

// UntrackedTransport returns the shared transport for requests that need no
// authentication.
func (m *Manager) UntrackedTransport(isTLS bool) Transport {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.untracked[isTLS]
	if !ok {
		t = m.newUntracked(isTLS)
		m.untracked[isTLS] = t
	}
	return t
}

// AddTunnel registers an established CONNECT tunnel.
func (m *Manager) AddTunnel(clientAddress string, client, upstream net.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		_ = upstream.Close()
		_ = client.Close()
		return
	}
	m.tunnels[clientAddress] = tunnel{client: client, upstream: upstream}
}

// RemoveTunnel forgets the tunnel for clientAddress without closing it.
func (m *Manager) RemoveTunnel(clientAddress string) {
	m.mu.Lock()
	delete(m.tunnels, clientAddress)
	m.mu.Unlock()
}

// SocketClosed is called once a client socket is gone. It destroys the
// client's Context and ends its tunnel's upstream connection.
func (m *Manager) SocketClosed(clientAddress string) {
	m.mu.Lock()
	tun, ok := m.tunnels[clientAddress]
	delete(m.tunnels, clientAddress)
	m.mu.Unlock()

	if ok {
		_ = tun.upstream.Close()
	}
	m.Remove("client socket closed", clientAddress)
}

// Len returns the number of live Contexts.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.contexts)
}

// TunnelLen returns the number of registered tunnels.
func (m *Manager) TunnelLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.tunnels)
}

// Close destroys every Context, ends every tunnel and closes the shared
// transports.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	tunnels := m.tunnels
	m.tunnels = make(map[string]tunnel)
	untracked := m.untracked
	m.untracked = make(map[bool]Transport)
	m.mu.Unlock()

	m.RemoveAll("shutdown")

	for _, tun := range tunnels {
		_ = tun.upstream.Close()
		_ = tun.client.Close()
	}
	for _, t := range untracked {
		_ = t.Close()
	}

	return nil
}
