//go:build unix

package sockerr

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isConnReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET)
}
