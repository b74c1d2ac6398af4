package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	keepaliveTime = 30 * time.Second
	readChunkSize = 512
)

// TCPTransport implements Transport over a raw TCP socket.
// Used by network-attached controllers: grblHAL ethernet, ESP32 telnet
// bridges, ser2net and similar serial-to-TCP gateways.
type TCPTransport struct {
	conn    net.Conn
	timeout time.Duration

	writeMu sync.Mutex // one raw write at a time, halt token included
	readMu  sync.Mutex
	buf     lineBuffer

	closeOnce sync.Once
	closed    atomic.Bool
	failed    atomic.Bool
}

// NewTCPTransport creates a new TCP transport
func NewTCPTransport(timeout time.Duration) *TCPTransport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &TCPTransport{
		timeout: timeout,
	}
}

// Connect dials the device at address (host:port)
func (t *TCPTransport) Connect(ctx context.Context, address string) error {
	log.Debug().
		Str("address", address).
		Dur("timeout", t.timeout).
		Msg("Connecting to TCP device")

	dialer := &net.Dialer{
		Timeout:   t.timeout,
		KeepAlive: keepaliveTime,
	}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return classify(KindTCP, "connect", fmt.Errorf("failed to connect to %s: %w", address, err))
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		// Lines are tiny; do not let Nagle hold back the halt token
		tcpConn.SetNoDelay(true)
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(keepaliveTime)
	}

	t.conn = conn
	return nil
}

// SendLine writes line followed by "\n"
func (t *TCPTransport) SendLine(ctx context.Context, line string) error {
	return t.write(ctx, "send", []byte(trimLine(line)+"\n"))
}

// EmergencyStop writes the bare halt token ahead of any further lines, with
// no line terminator.
func (t *TCPTransport) EmergencyStop(ctx context.Context) error {
	return t.write(ctx, "emergency stop", []byte(HaltToken))
}

func (t *TCPTransport) write(ctx context.Context, op string, data []byte) error {
	if t.conn == nil || t.closed.Load() {
		return closedError(KindTCP, op)
	}
	if err := ctx.Err(); err != nil {
		return classify(KindTCP, op, err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(opDeadline(ctx, t.timeout))
	if _, err := t.conn.Write(data); err != nil {
		t.failed.Store(true)
		return classify(KindTCP, op, err)
	}
	return nil
}

// ReadLine reads one "\n"-terminated line
func (t *TCPTransport) ReadLine(ctx context.Context) (string, error) {
	if t.conn == nil || t.closed.Load() {
		return "", closedError(KindTCP, "read")
	}

	t.readMu.Lock()
	defer t.readMu.Unlock()

	if line, ok := t.buf.next(); ok {
		return line, nil
	}

	// Cancellation pulls the read deadline into the past to unblock conn.Read
	stop := context.AfterFunc(ctx, func() {
		t.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	deadline := opDeadline(ctx, t.timeout)
	chunk := make([]byte, readChunkSize)
	for {
		t.conn.SetReadDeadline(deadline)
		if err := ctx.Err(); err != nil {
			return "", classify(KindTCP, "read", err)
		}

		n, err := t.conn.Read(chunk)
		if n > 0 {
			t.buf.feed(chunk[:n])
			if line, ok := t.buf.next(); ok {
				return line, nil
			}
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", classify(KindTCP, "read", ctxErr)
			}
			classified := classify(KindTCP, "read", err)
			if !IsTimeout(classified) {
				t.failed.Store(true)
			}
			return "", classified
		}
	}
}

// Flush is a no-op: every write goes straight to the socket
func (t *TCPTransport) Flush() error {
	if t.conn == nil || t.closed.Load() {
		return closedError(KindTCP, "flush")
	}
	return nil
}

// Close closes the TCP connection
func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if t.conn != nil {
			err = t.conn.Close()
		}
	})
	return err
}

// IsAlive returns true while the connection is open, no read or write has
// failed and the socket carries no pending error
func (t *TCPTransport) IsAlive() bool {
	if t.conn == nil || t.closed.Load() || t.failed.Load() {
		return false
	}
	if err := pendingSocketError(t.conn); err != nil {
		t.failed.Store(true)
		return false
	}
	return true
}

// Kind returns KindTCP
func (t *TCPTransport) Kind() Kind {
	return KindTCP
}

// RemoteAddr returns the device address, or nil if not connected
func (t *TCPTransport) RemoteAddr() net.Addr {
	if t.conn == nil {
		return nil
	}
	return t.conn.RemoteAddr()
}
