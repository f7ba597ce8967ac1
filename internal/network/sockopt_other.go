//go:build !unix && !windows

package network

import "syscall"

func platformStartup() error { return nil }

func platformCleanup() error { return nil }

func reuseAddrControl(network, address string, c syscall.RawConn) error { return nil }

func isAddrInUse(err error) bool { return false }
