//go:build windows

package sockerr

import (
	"errors"

	"golang.org/x/sys/windows"
)

func isConnReset(err error) bool {
	return errors.Is(err, windows.WSAECONNRESET)
}
