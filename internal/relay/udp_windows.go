//go:build windows

package relay

import (
	"errors"
	"syscall"

	"golang.org/x/sys/windows"
)

// isTransient reports errors a UDP socket surfaces after an ICMP unreachable
// from an earlier send. Windows reports port unreachable as WSAECONNRESET on
// the next receive. The socket stays usable.
func isTransient(err error) bool {
	return errors.Is(err, windows.WSAECONNRESET) ||
		errors.Is(err, windows.WSAECONNABORTED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
