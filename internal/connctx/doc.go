// Package connctx tracks the authentication state of each client connection.
//
// A Context is created for a client socket the first time a request on it
// targets an NTLM or single sign-on host. It owns a Transport pinned to a
// single upstream connection, so every leg of a handshake and every later
// request from the same client reuses the upstream socket the handshake
// authenticated. The Manager destroys the Context when the client socket
// closes.
package connctx
