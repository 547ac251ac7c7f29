package proxy

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// ListenTCP listens on the given network/address and returns a net.Listener
// that applies keepAliveConfig to accepted TCP connections. If onClose is
// non-nil it is called with a connection's remote address the first time
// that connection is closed.
func ListenTCP(network, addr string, keepAliveConfig net.KeepAliveConfig, onClose func(remoteAddr string)) (net.Listener, error) {
	lc := net.ListenConfig{}

	ln, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s %s", network, addr)
	}

	return &TrackingListener{Listener: ln, KeepAliveConfig: keepAliveConfig, OnClose: onClose}, nil
}

// TrackingListener wraps a net.Listener, applies KeepAliveConfig to any
// accepted *net.TCPConn and reports when accepted connections are closed.
type TrackingListener struct {
	net.Listener
	net.KeepAliveConfig

	OnClose func(remoteAddr string)
}

// Accept accepts the next connection and applies KeepAliveConfig if the
// connection is a *net.TCPConn.
func (l *TrackingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	tc, ok := conn.(*net.TCPConn)
	if ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}

	if l.OnClose == nil {
		return conn, nil
	}
	return &trackedConn{Conn: conn, addr: conn.RemoteAddr().String(), onClose: l.OnClose}, nil
}

// trackedConn keeps CloseWrite reachable for tunnels.
type trackedConn struct {
	net.Conn

	addr    string
	once    sync.Once
	onClose func(remoteAddr string)
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() {
		c.onClose(c.addr)
	})
	return err
}

func (c *trackedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}
