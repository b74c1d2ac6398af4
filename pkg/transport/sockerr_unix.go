//go:build unix

package transport

import (
	"net"
	"syscall"
)

// pendingSocketError reads SO_ERROR from the socket without blocking.
// A non-zero value means the kernel has seen a reset or similar failure
// that no read or write has surfaced yet.
func pendingSocketError(conn net.Conn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	var soErr int
	var optErr error
	err = raw.Control(func(fd uintptr) {
		soErr, optErr = syscall.GetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_ERROR)
	})
	if err != nil {
		return err
	}
	if optErr != nil {
		return optErr
	}
	if soErr != 0 {
		return syscall.Errno(soErr)
	}
	return nil
}
