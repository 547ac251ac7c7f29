// Package handshake drives the NTLM and Negotiate challenge/response
// exchanges over a connection context's pinned transport.
//
// Every leg of an exchange is sent through the same Transport so it lands on
// the same upstream TCP connection. Intermediate responses are drained and
// closed before the next leg so the connection returns to the pool; the
// final response is returned to the caller with its body unread.
package handshake
