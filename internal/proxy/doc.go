// Package proxy implements the authenticating HTTP forward proxy.
//
// Requests and CONNECTs pass through goproxy's extension points into an
// Interceptor. Each client connection gets a connection context with its own
// pinned upstream transport, so that when a server answers with an NTLM or
// Negotiate challenge the whole handshake runs on one upstream connection
// and the final response is relayed to the client. CONNECTs to hosts that
// need no rewriting become raw tunnels.
package proxy
