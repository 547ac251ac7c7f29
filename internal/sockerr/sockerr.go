package sockerr

import (
	"errors"
	"io"
	"net"
)

// IsClosed reports whether err only says that a connection was already
// closed by this side or ended cleanly.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}

// IsConnReset reports whether err is a connection reset by the peer.
func IsConnReset(err error) bool {
	return isConnReset(err)
}
