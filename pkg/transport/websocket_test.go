package transport

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsDevice is a fake WebSocket console. Every received text frame is
// forwarded on received; reply decides what the device sends back.
type wsDevice struct {
	server   *httptest.Server
	received chan string
	authz    chan string
}

func newWSDevice(t *testing.T, reply func(conn *websocket.Conn, msg string)) *wsDevice {
	t.Helper()
	d := &wsDevice{
		received: make(chan string, 16),
		authz:    make(chan string, 1),
	}
	upgrader := websocket.Upgrader{}

	d.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.authz <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			d.received <- string(data)
			if reply != nil {
				reply(conn, string(data))
			}
		}
	}))
	t.Cleanup(d.server.Close)
	return d
}

func (d *wsDevice) url() string {
	return "ws" + strings.TrimPrefix(d.server.URL, "http") + "/console"
}

func (d *wsDevice) next(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-d.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("device received nothing")
		return ""
	}
}

func connectWS(t *testing.T, endpoint string, timeout time.Duration) *WebSocketTransport {
	t.Helper()
	tr := NewWebSocketTransport(timeout)
	require.NoError(t, tr.Connect(context.Background(), endpoint))
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestWebSocketTransportExchange(t *testing.T) {
	ctx := context.Background()
	d := newWSDevice(t, func(conn *websocket.Conn, msg string) {
		conn.WriteMessage(websocket.TextMessage, []byte("ok\n"))
	})
	tr := connectWS(t, d.url(), 2*time.Second)

	require.NoError(t, tr.SendLine(ctx, "G1 Y2\n"))
	assert.Equal(t, "G1 Y2", d.next(t), "text frames carry no terminator")

	line, err := tr.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", line)
	assert.True(t, tr.IsAlive())
	assert.Equal(t, KindWebSocket, tr.Kind())
}

func TestWebSocketTransportSplitsMultiLineFrames(t *testing.T) {
	ctx := context.Background()
	d := newWSDevice(t, func(conn *websocket.Conn, msg string) {
		conn.WriteMessage(websocket.TextMessage, []byte("<Idle|MPos:0,0,0>\r\nok"))
	})
	tr := connectWS(t, d.url(), 2*time.Second)

	require.NoError(t, tr.SendLine(ctx, "?"))

	first, err := tr.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "<Idle|MPos:0,0,0>", first)

	second, err := tr.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", second)
}

func TestWebSocketTransportBinaryFrames(t *testing.T) {
	ctx := context.Background()
	d := newWSDevice(t, func(conn *websocket.Conn, msg string) {
		if msg == "text" {
			conn.WriteMessage(websocket.BinaryMessage, []byte("ok"))
			return
		}
		conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xfe, 0x00})
	})
	tr := connectWS(t, d.url(), 2*time.Second)

	require.NoError(t, tr.SendLine(ctx, "text"))
	line, err := tr.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", line, "binary frames holding UTF-8 are read as text")

	require.NoError(t, tr.SendLine(ctx, "garbage"))
	_, err = tr.ReadLine(ctx)
	require.Error(t, err)
	assert.True(t, IsProtocolViolation(err), "expected protocol violation, got %v", err)
}

func TestWebSocketTransportEmergencyStop(t *testing.T) {
	d := newWSDevice(t, nil)
	tr := connectWS(t, d.url(), 2*time.Second)

	require.NoError(t, tr.EmergencyStop(context.Background()))
	assert.Equal(t, "!", d.next(t))
}

func TestWebSocketTransportBasicAuth(t *testing.T) {
	d := newWSDevice(t, nil)
	endpoint := strings.Replace(d.url(), "ws://", "ws://operator:s3cret@", 1)

	connectWS(t, endpoint, 2*time.Second)

	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("operator:s3cret"))
	select {
	case got := <-d.authz:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no upgrade request seen")
	}
}

func TestWebSocketTransportReadTimeout(t *testing.T) {
	d := newWSDevice(t, nil)
	tr := connectWS(t, d.url(), 100*time.Millisecond)

	_, err := tr.ReadLine(context.Background())
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "expected timeout, got %v", err)
	assert.False(t, tr.IsAlive(), "a timed out WebSocket read poisons the connection")
}

func TestWebSocketTransportInvalidURL(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
	}{
		{"http scheme", "http://localhost:81/"},
		{"tcp scheme", "tcp://localhost:23"},
		{"unparseable", "ws://[::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewWebSocketTransport(time.Second)
			if err := tr.Connect(context.Background(), tt.endpoint); err == nil {
				t.Errorf("Connect(%q) succeeded, want error", tt.endpoint)
			}
		})
	}
}

func TestWebSocketTransportClose(t *testing.T) {
	d := newWSDevice(t, nil)
	tr := NewWebSocketTransport(time.Second)
	require.NoError(t, tr.Connect(context.Background(), d.url()))

	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
	assert.False(t, tr.IsAlive())
	assert.ErrorIs(t, tr.SendLine(context.Background(), "G0"), ErrClosed)
}
