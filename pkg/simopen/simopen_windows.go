//go:build windows
// +build windows

package simopen

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// reuseControl sets SO_REUSEADDR on the raw socket before bind. Windows
// has no SO_REUSEPORT; SO_REUSEADDR alone is enough to let the
// listening and connecting sockets of one attempt share a local port,
// at the cost of the stricter same-endpoint exclusivity POSIX gives.
func reuseControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
