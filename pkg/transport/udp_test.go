package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUDPPeer(t *testing.T) net.PacketConn {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	return pc
}

func readDatagram(t *testing.T, pc net.PacketConn) (string, net.Addr) {
	t.Helper()
	buf := make([]byte, maxDatagramSize)
	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, addr, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	return string(buf[:n]), addr
}

func TestUDPTransportExchange(t *testing.T) {
	ctx := context.Background()
	peer := newUDPPeer(t)

	tr := NewUDPTransport(2 * time.Second)
	require.NoError(t, tr.Connect(ctx, peer.LocalAddr().String(), "127.0.0.1:0"))
	defer tr.Close()

	require.NoError(t, tr.SendLine(ctx, "G0 X5\r\n"))
	got, from := readDatagram(t, peer)
	assert.Equal(t, "G0 X5", got, "datagrams carry no terminator")
	assert.Equal(t, tr.LocalAddr().String(), from.String())

	_, err := peer.WriteTo([]byte("ok\r\n"), from)
	require.NoError(t, err)

	line, err := tr.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", line)
	assert.True(t, tr.IsAlive())
	assert.Equal(t, KindUDP, tr.Kind())
}

func TestUDPTransportEmergencyStop(t *testing.T) {
	ctx := context.Background()
	peer := newUDPPeer(t)

	tr := NewUDPTransport(2 * time.Second)
	require.NoError(t, tr.Connect(ctx, peer.LocalAddr().String(), ""))
	defer tr.Close()

	require.NoError(t, tr.EmergencyStop(ctx))
	got, _ := readDatagram(t, peer)
	assert.Equal(t, "!", got)
}

func TestUDPTransportReadTimeout(t *testing.T) {
	peer := newUDPPeer(t)

	tr := NewUDPTransport(100 * time.Millisecond)
	require.NoError(t, tr.Connect(context.Background(), peer.LocalAddr().String(), ""))
	defer tr.Close()

	_, err := tr.ReadLine(context.Background())
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "expected timeout, got %v", err)
}

func TestUDPTransportInvalidBind(t *testing.T) {
	tr := NewUDPTransport(time.Second)
	err := tr.Connect(context.Background(), "127.0.0.1:9", "not-an-address")
	assert.Error(t, err)
}

func TestUDPTransportClose(t *testing.T) {
	peer := newUDPPeer(t)

	tr := NewUDPTransport(time.Second)
	require.NoError(t, tr.Connect(context.Background(), peer.LocalAddr().String(), ""))

	require.NoError(t, tr.Close())
	assert.False(t, tr.IsAlive())
	assert.ErrorIs(t, tr.SendLine(context.Background(), "G0"), ErrClosed)
	_, err := tr.ReadLine(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
