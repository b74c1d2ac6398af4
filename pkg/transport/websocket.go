package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// WebSocketTransport implements Transport over a WebSocket connection.
// Each line travels as one text frame without a terminator. Used by
// controllers that expose a WebSocket console:
//   - FluidNC (ws://host:81)
//   - ESP3D and similar web bridges in front of a serial controller
//
// Binary frames are accepted when they decode as UTF-8 text; anything
// else is a ProtocolViolation. A frame holding several "\n"-separated
// lines is split and queued.
type WebSocketTransport struct {
	conn    *websocket.Conn
	timeout time.Duration

	writeMu sync.Mutex // gorilla allows one concurrent writer
	readMu  sync.Mutex // and one concurrent reader
	pending []string

	closeOnce sync.Once
	closed    atomic.Bool
	failed    atomic.Bool
}

// NewWebSocketTransport creates a new WebSocket transport
func NewWebSocketTransport(timeout time.Duration) *WebSocketTransport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &WebSocketTransport{
		timeout: timeout,
	}
}

// Connect establishes a WebSocket connection to endpoint.
// Supports formats:
//   - ws://host:port/path
//   - wss://host:port/path (TLS)
//   - ws://user:pass@host/path (HTTP Basic Auth on the upgrade request)
func (t *WebSocketTransport) Connect(ctx context.Context, endpoint string) error {
	wsURL, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid WebSocket URL %s: %w", endpoint, err)
	}

	if wsURL.Scheme != "ws" && wsURL.Scheme != "wss" {
		return fmt.Errorf("invalid WebSocket scheme %s (expected ws:// or wss://)", wsURL.Scheme)
	}

	headers := http.Header{}
	if wsURL.User != nil {
		password, _ := wsURL.User.Password()
		auth := wsURL.User.Username() + ":" + password
		headers.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
		wsURL.User = nil
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.timeout,
	}

	log.Debug().
		Str("url", wsURL.String()).
		Dur("timeout", t.timeout).
		Msg("Connecting to WebSocket device")

	dialCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, wsURL.String(), headers)
	if err != nil {
		return classify(KindWebSocket, "connect", fmt.Errorf("failed to connect to WebSocket device at %s: %w", wsURL.String(), err))
	}

	t.conn = conn
	return nil
}

// SendLine writes line as one text frame
func (t *WebSocketTransport) SendLine(ctx context.Context, line string) error {
	return t.write(ctx, "send", trimLine(line))
}

// EmergencyStop writes the halt token as its own text frame
func (t *WebSocketTransport) EmergencyStop(ctx context.Context) error {
	return t.write(ctx, "emergency stop", HaltToken)
}

func (t *WebSocketTransport) write(ctx context.Context, op, text string) error {
	if t.conn == nil || t.closed.Load() {
		return closedError(KindWebSocket, op)
	}
	if err := ctx.Err(); err != nil {
		return classify(KindWebSocket, op, err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(opDeadline(ctx, t.timeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.failed.Store(true)
		return classify(KindWebSocket, op, err)
	}
	return nil
}

// ReadLine returns the next line received from the device.
// A read timeout leaves the gorilla connection unusable, so it also marks
// the transport as no longer alive.
func (t *WebSocketTransport) ReadLine(ctx context.Context) (string, error) {
	if t.conn == nil || t.closed.Load() {
		return "", closedError(KindWebSocket, "read")
	}

	t.readMu.Lock()
	defer t.readMu.Unlock()

	if line, ok := t.popPending(); ok {
		return line, nil
	}

	stop := context.AfterFunc(ctx, func() {
		t.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	t.conn.SetReadDeadline(opDeadline(ctx, t.timeout))
	for {
		if err := ctx.Err(); err != nil {
			return "", classify(KindWebSocket, "read", err)
		}

		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			t.failed.Store(true)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", classify(KindWebSocket, "read", ctxErr)
			}
			return "", classify(KindWebSocket, "read", err)
		}

		if messageType == websocket.BinaryMessage && !utf8.Valid(data) {
			return "", &ProtocolViolation{
				Transport: KindWebSocket,
				Detail:    fmt.Sprintf("binary frame of %d bytes is not valid text", len(data)),
			}
		}

		t.queueFrame(string(data))
		if line, ok := t.popPending(); ok {
			return line, nil
		}
		// Empty frame (keepalive from some bridges), read again
	}
}

// queueFrame splits a frame into lines. A frame is self-delimiting, so a
// missing trailing newline still ends the last line.
func (t *WebSocketTransport) queueFrame(frame string) {
	frame = strings.TrimRight(frame, "\r\n")
	if frame == "" {
		return
	}
	for _, line := range strings.Split(frame, "\n") {
		t.pending = append(t.pending, strings.TrimRight(line, "\r"))
	}
}

func (t *WebSocketTransport) popPending() (string, bool) {
	if len(t.pending) == 0 {
		return "", false
	}
	line := t.pending[0]
	t.pending = t.pending[1:]
	return line, true
}

// Flush is a no-op: WriteMessage flushes the frame before returning
func (t *WebSocketTransport) Flush() error {
	if t.conn == nil || t.closed.Load() {
		return closedError(KindWebSocket, "flush")
	}
	return nil
}

// Close sends a normal closure frame and closes the connection
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if t.conn == nil {
			return
		}

		t.writeMu.Lock()
		closeErr := t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()

		// A peer that already went away rejects the close frame; that is not a teardown failure
		if closeErr == websocket.ErrCloseSent || t.failed.Load() {
			closeErr = nil
		}
		err = multierr.Append(closeErr, t.conn.Close())
	})
	return err
}

// IsAlive returns true while the connection is open and no read or write has failed
func (t *WebSocketTransport) IsAlive() bool {
	return t.conn != nil && !t.closed.Load() && !t.failed.Load()
}

// Kind returns KindWebSocket
func (t *WebSocketTransport) Kind() Kind {
	return KindWebSocket
}
