package transport

import (
	"context"
	"strings"
	"time"
)

// DefaultTimeout bounds connect, read and write operations when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// HaltToken is the immediate-halt command understood by GRBL-style firmware.
const HaltToken = "!"

// Transport defines the interface every device channel implements.
//
// Serial, TCP, UDP and WebSocket transports all carry the same line protocol:
// one command per line, one acknowledgment line back. Blocking operations take
// a context; the configured timeout applies on top of any context deadline.
type Transport interface {
	// SendLine transmits one line, appending the wire terminator if the channel needs one
	SendLine(ctx context.Context, line string) error

	// ReadLine blocks until a full line is available and returns it without its terminator
	ReadLine(ctx context.Context) (string, error)

	// EmergencyStop writes the halt token without waiting for an acknowledgment
	EmergencyStop(ctx context.Context) error

	// Flush forces buffered output onto the wire
	Flush() error

	// Close disconnects the transport. Calling Close more than once is safe.
	Close() error

	// IsAlive reports whether the channel is open and no fatal error was seen.
	// It never blocks on I/O.
	IsAlive() bool

	// Kind identifies the channel type
	Kind() Kind
}

// Kind identifies the channel type behind a Transport
type Kind int

const (
	// KindUnknown - unknown or unspecified channel
	KindUnknown Kind = iota

	// KindSerial - local serial port (USB CDC, FTDI, CH340, ...)
	KindSerial

	// KindTCP - raw TCP socket (ESP32/ESP8266 telnet bridges, grblHAL ethernet)
	KindTCP

	// KindUDP - connected UDP socket, one datagram per line
	KindUDP

	// KindWebSocket - text-frame WebSocket (FluidNC, ws bridges)
	KindWebSocket

	// KindSim - in-memory simulated device
	KindSim
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindSerial:
		return "serial"
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	case KindWebSocket:
		return "websocket"
	case KindSim:
		return "sim"
	default:
		return "unknown"
	}
}

// ParseKind parses a string into a Kind
func ParseKind(s string) Kind {
	switch strings.ToLower(s) {
	case "serial":
		return KindSerial
	case "tcp":
		return KindTCP
	case "udp":
		return KindUDP
	case "websocket", "ws", "wss":
		return KindWebSocket
	case "sim":
		return KindSim
	default:
		return KindUnknown
	}
}

// AckAccepted reports whether a device response acknowledges the previous line.
// Any response whose lowercase form starts with "ok" is a success.
func AckAccepted(ack string) bool {
	return strings.HasPrefix(strings.ToLower(ack), "ok")
}

// trimLine strips trailing line terminators from a command
func trimLine(line string) string {
	return strings.TrimRight(line, "\r\n")
}

// opDeadline returns the earliest of now+timeout and the context deadline
func opDeadline(ctx context.Context, timeout time.Duration) time.Time {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}
