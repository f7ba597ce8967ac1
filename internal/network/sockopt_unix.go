//go:build unix

package network

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

func platformStartup() error { return nil }

func platformCleanup() error { return nil }

// reuseAddrControl sets SO_REUSEADDR on the socket before binding.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}

func isAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}
