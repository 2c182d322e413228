// ABOUTME: Socket option hook for Windows
// ABOUTME: Enables SO_BROADCAST on discovery sockets
//go:build windows

package discovery

import "syscall"

func enableBroadcast(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
