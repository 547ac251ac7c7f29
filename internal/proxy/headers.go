package proxy

import (
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// HeaderFilter decides which response headers are relayed to the client
// after a handshake.
type HeaderFilter interface {
	Allow(name, value string) bool
}

// HeaderFilterFunc adapts a function to HeaderFilter.
type HeaderFilterFunc func(name, value string) bool

func (f HeaderFilterFunc) Allow(name, value string) bool { return f(name, value) }

// HeaderFilters allows a header only if every filter does.
type HeaderFilters []HeaderFilter

func (fs HeaderFilters) Allow(name, value string) bool {
	for _, f := range fs {
		if !f.Allow(name, value) {
			return false
		}
	}
	return true
}

// DropPublicKeyPins refuses HTTP Public-Key-Pinning headers, which would pin
// the client to the interception certificate.
var DropPublicKeyPins HeaderFilter = HeaderFilterFunc(func(name, _ string) bool {
	return !strings.HasPrefix(strings.ToLower(name), "public-key-pins")
})

// DropInvalid refuses header names and values that cannot be written on the
// wire.
var DropInvalid HeaderFilter = HeaderFilterFunc(func(name, value string) bool {
	return httpguts.ValidHeaderFieldName(name) && httpguts.ValidHeaderFieldValue(value)
})

// DefaultHeaderFilter returns the filter used when none is configured.
func DefaultHeaderFilter() HeaderFilter {
	return HeaderFilters{DropPublicKeyPins, DropInvalid}
}

// FilterHeader removes every value of h that f refuses, and the names left
// with no values.
func FilterHeader(h http.Header, f HeaderFilter) {
	for name, values := range h {
		kept := values[:0]
		for _, v := range values {
			if f.Allow(name, v) {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			delete(h, name)
			continue
		}
		h[name] = kept
	}
}

// normalizeConnection keeps the proxy connection of a client that sent
// Proxy-Connection alive, but closes the server connection after a 401.
func normalizeConnection(h http.Header, clientProxyConnection bool, status int) {
	if !clientProxyConnection {
		return
	}
	h.Set("Proxy-Connection", "keep-alive")
	if status == http.StatusUnauthorized {
		h.Set("Connection", "close")
		return
	}
	h.Set("Connection", "keep-alive")
}
