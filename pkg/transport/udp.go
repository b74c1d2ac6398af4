package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// maxDatagramSize matches a standard Ethernet MTU
const maxDatagramSize = 1500

// UDPTransport implements Transport over a UDP socket bound locally and
// connected to a fixed peer. Each datagram carries exactly one line, so no
// terminator is added on send and trailing "\r\n" is stripped on receive.
type UDPTransport struct {
	conn    *net.UDPConn
	timeout time.Duration

	writeMu sync.Mutex
	readMu  sync.Mutex

	closeOnce sync.Once
	closed    atomic.Bool
	failed    atomic.Bool
}

// NewUDPTransport creates a new UDP transport
func NewUDPTransport(timeout time.Duration) *UDPTransport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &UDPTransport{
		timeout: timeout,
	}
}

// Connect binds to bind (empty means any local address) and connects to peer
func (t *UDPTransport) Connect(ctx context.Context, peer, bind string) error {
	dialer := &net.Dialer{Timeout: t.timeout}
	if bind != "" {
		laddr, err := net.ResolveUDPAddr("udp", bind)
		if err != nil {
			return fmt.Errorf("invalid UDP bind address %s: %w", bind, err)
		}
		dialer.LocalAddr = laddr
	}

	log.Debug().
		Str("peer", peer).
		Str("bind", bind).
		Msg("Connecting UDP socket")

	conn, err := dialer.DialContext(ctx, "udp", peer)
	if err != nil {
		return classify(KindUDP, "connect", fmt.Errorf("failed to connect to %s: %w", peer, err))
	}

	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return fmt.Errorf("unexpected connection type %T for UDP peer %s", conn, peer)
	}

	t.conn = udpConn
	return nil
}

// SendLine sends line as a single datagram
func (t *UDPTransport) SendLine(ctx context.Context, line string) error {
	return t.write(ctx, "send", []byte(trimLine(line)))
}

// EmergencyStop sends the halt token as its own datagram
func (t *UDPTransport) EmergencyStop(ctx context.Context) error {
	return t.write(ctx, "emergency stop", []byte(HaltToken))
}

func (t *UDPTransport) write(ctx context.Context, op string, data []byte) error {
	if t.conn == nil || t.closed.Load() {
		return closedError(KindUDP, op)
	}
	if err := ctx.Err(); err != nil {
		return classify(KindUDP, op, err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(opDeadline(ctx, t.timeout))
	if _, err := t.conn.Write(data); err != nil {
		t.failed.Store(true)
		return classify(KindUDP, op, err)
	}
	return nil
}

// ReadLine receives one datagram and returns it as a line
func (t *UDPTransport) ReadLine(ctx context.Context) (string, error) {
	if t.conn == nil || t.closed.Load() {
		return "", closedError(KindUDP, "read")
	}

	t.readMu.Lock()
	defer t.readMu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		t.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	t.conn.SetReadDeadline(opDeadline(ctx, t.timeout))
	if err := ctx.Err(); err != nil {
		return "", classify(KindUDP, "read", err)
	}

	buf := make([]byte, maxDatagramSize)
	n, err := t.conn.Read(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", classify(KindUDP, "read", ctxErr)
		}
		classified := classify(KindUDP, "read", err)
		if !IsTimeout(classified) {
			// ICMP port unreachable surfaces here as ECONNREFUSED
			t.failed.Store(true)
		}
		return "", classified
	}

	return strings.TrimRight(string(buf[:n]), "\r\n"), nil
}

// Flush is a no-op for datagrams
func (t *UDPTransport) Flush() error {
	if t.conn == nil || t.closed.Load() {
		return closedError(KindUDP, "flush")
	}
	return nil
}

// Close closes the UDP socket
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if t.conn != nil {
			err = t.conn.Close()
		}
	})
	return err
}

// IsAlive returns true while the socket is open and no send or receive has failed
func (t *UDPTransport) IsAlive() bool {
	return t.conn != nil && !t.closed.Load() && !t.failed.Load()
}

// Kind returns KindUDP
func (t *UDPTransport) Kind() Kind {
	return KindUDP
}

// LocalAddr returns the bound local address, or nil if not connected
func (t *UDPTransport) LocalAddr() net.Addr {
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}
