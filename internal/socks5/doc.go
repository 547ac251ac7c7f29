// Package socks5 implements the client side of a SOCKS5 CONNECT handshake.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5 and
// is used by the dialer package to reach targets through a SOCKS5 upstream.
package socks5
