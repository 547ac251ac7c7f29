package proxy

import (
	"net"
	"net/http"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/die-net/ntlmconduit/internal/sockerr"
)

// Error kinds reported by the interceptor.
const (
	KindProxyToServerRequest = "PROXY_TO_SERVER_REQUEST_ERROR"
	KindProxyToServerSocket  = "PROXY_TO_SERVER_SOCKET"
	KindClientToProxySocket  = "CLIENT_TO_PROXY_SOCKET"
)

// isStartupCheck recognizes the HEAD request Chrome sends to a random
// single-label host at startup to detect DNS hijacking.
func isStartupCheck(req *http.Request, err error) bool {
	if req == nil || req.Method != http.MethodHead {
		return false
	}
	if req.URL == nil || (req.URL.Path != "/" && req.URL.Path != "") {
		return false
	}

	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
		return false
	}

	host := req.Host
	if host == "" || strings.ContainsAny(host, "./") {
		return false
	}
	if i := strings.IndexByte(host, ':'); i >= 0 && host[i:] != ":80" {
		return false
	}
	return true
}

// logRequestError reports a failed round trip to the server.
func logRequestError(req *http.Request, err error) {
	if isStartupCheck(req, err) {
		log.WithField("host", req.Host).Debug("Chrome startup HEAD request detected, ignoring connection error")
		return
	}

	url := ""
	if req != nil && req.URL != nil {
		url = req.URL.String()
	}
	log.WithError(err).WithFields(log.Fields{"kind": KindProxyToServerRequest, "url": url}).Warn("request to server failed")
}

// logSocketError reports an error on one leg of a tunnel. Connection resets
// are routine.
func logSocketError(kind, target string, err error) {
	switch {
	case err == nil, sockerr.IsClosed(err):
	case sockerr.IsConnReset(err):
		log.WithFields(log.Fields{"kind": kind, "target": target}).Debug("connection reset, ignoring")
	default:
		log.WithError(err).WithFields(log.Fields{"kind": kind, "target": target}).Warn("unexpected socket error")
	}
}
