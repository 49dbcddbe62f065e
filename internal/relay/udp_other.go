//go:build !windows

package relay

import (
	"errors"
	"syscall"
)

// isTransient reports errors a UDP socket surfaces after an ICMP unreachable
// from an earlier send. The socket stays usable.
func isTransient(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}
