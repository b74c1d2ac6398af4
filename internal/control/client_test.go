package control

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thawkins/gcodekit6/pkg/stream"
	"github.com/thawkins/gcodekit6/pkg/transport"
)

func TestClientRoundTrip(t *testing.T) {
	ts, streamer, sim := newTestServer(t)
	ctx := context.Background()

	client := NewClient(ts.URL, time.Second)

	stats, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, stream.Idle, stats.State)
	assert.Equal(t, streamer.RunID(), stats.RunID)

	stats, err = client.Pause(ctx)
	require.NoError(t, err)
	assert.Equal(t, stream.Paused, stats.State)

	stats, err = client.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, stream.Idle, stats.State)

	stats, err = client.EmergencyStop(ctx)
	require.NoError(t, err)
	assert.Equal(t, stream.Stopped, stats.State)
	assert.True(t, sim.Halted())
}

func TestClientAcceptsHostPort(t *testing.T) {
	ts, _, _ := newTestServer(t)

	client := NewClient(strings.TrimPrefix(ts.URL, "http://")+"/", time.Second)
	_, err := client.Status(context.Background())
	assert.NoError(t, err)
}

func TestClientReportsServerError(t *testing.T) {
	sim := transport.NewSimTransport()
	streamer := stream.NewStreamer(sim, 1)
	require.NoError(t, sim.Close())

	ts := httptest.NewServer(NewServer("127.0.0.1:0", streamer).Handler())
	defer ts.Close()

	_, err := NewClient(ts.URL, time.Second).EmergencyStop(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
}

func TestClientUnreachable(t *testing.T) {
	ts, _, _ := newTestServer(t)
	url := ts.URL
	ts.Close()

	_, err := NewClient(url, time.Second).Status(context.Background())
	assert.Error(t, err)
}
