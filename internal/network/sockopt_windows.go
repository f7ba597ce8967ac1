//go:build windows

package network

import (
	"errors"
	"syscall"

	"golang.org/x/sys/windows"
)

// wsaeAddrInUse is WSAEADDRINUSE.
const wsaeAddrInUse = syscall.Errno(10048)

func platformStartup() error {
	var data windows.WSAData
	return windows.WSAStartup(uint32(0x0202), &data)
}

func platformCleanup() error {
	return windows.WSACleanup()
}

// reuseAddrControl sets SO_REUSEADDR on the socket before binding.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}

func isAddrInUse(err error) bool {
	return errors.Is(err, wsaeAddrInUse)
}
