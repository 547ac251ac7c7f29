// Package dialer provides outbound dialing for the proxy's upstream
// connections.
//
// Dialers implement a small interface (DialContext) and connect either
// directly or via an upstream proxy (HTTP CONNECT or SOCKS5). Upstreams picks
// the dialer for a target from the configured HTTP and HTTPS upstreams and
// the NO_PROXY list.
package dialer
