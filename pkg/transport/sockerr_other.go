//go:build !unix

package transport

import "net"

// pendingSocketError is not probed on this platform; liveness falls back
// to the failure flag set by reads and writes
func pendingSocketError(net.Conn) error {
	return nil
}
