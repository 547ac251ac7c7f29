package dialer

import (
	"net"
	"time"
)

type Config struct {
	DialTimeout time.Duration
	// NegotiationTimeout bounds the TLS and CONNECT or SOCKS5 exchange with
	// an upstream proxy.
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
}
