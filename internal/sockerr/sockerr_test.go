//go:build unix

package sockerr

import (
	"io"
	"net"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestIsConnReset(t *testing.T) {
	t.Parallel()

	reset := &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", unix.ECONNRESET)}
	assert.True(t, IsConnReset(reset))
	assert.True(t, IsConnReset(errors.Wrap(reset, "tunnel")))
	assert.False(t, IsConnReset(io.EOF))
	assert.False(t, IsConnReset(nil))
}

func TestIsClosed(t *testing.T) {
	t.Parallel()

	assert.True(t, IsClosed(net.ErrClosed))
	assert.True(t, IsClosed(errors.Wrap(io.EOF, "copy")))
	assert.False(t, IsClosed(errors.New("boom")))
}
