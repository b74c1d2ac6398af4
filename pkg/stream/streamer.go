package stream

import (
	"context"
	"sync"
	"time"

	"github.com/thawkins/gcodekit6/pkg/transport"
)

// Streamer drives lines through a transport on the calling goroutine,
// one send+ack exchange at a time.
type Streamer struct {
	*engine
	exchangeMu sync.Mutex
}

// NewStreamer creates a synchronous engine owning t. A window below 1 is
// treated as 1.
func NewStreamer(t transport.Transport, window int, opts ...Option) *Streamer {
	return &Streamer{
		engine: newEngine("sync", t, window, opts),
	}
}

// Stream sends lines in order, waiting for each ack before the next line.
// It returns nil when the input is exhausted or the engine is stopped, a
// *DeviceError when a line is rejected, and the transport error when the
// channel fails.
func (s *Streamer) Stream(lines []string) error {
	if s.stopped() {
		return nil
	}

	ctx, cancel := s.signals.bind(context.Background())
	defer cancel()

	r := s.begin(len(lines))
	for i, line := range lines {
		if s.stopped() {
			return r.end(nil)
		}
		if stopped, err := s.signals.WaitWhilePaused(ctx); stopped || err != nil {
			// ctx here only ends through a stop
			return r.end(nil)
		}
		for s.window.full() {
			if s.stopped() {
				return r.end(nil)
			}
			time.Sleep(backpressurePoll)
		}

		if _, err := s.exchange(ctx, i, line); err != nil {
			return r.end(s.settle(err))
		}
		s.reportProgress(i+1, len(lines))
	}
	return r.end(nil)
}

// Send performs a single exchange outside of a stream and returns the raw
// ack. A rejected ack is returned together with its *DeviceError.
func (s *Streamer) Send(ctx context.Context, line string) (string, error) {
	ack, err := s.exchange(ctx, 0, line)
	if err != nil {
		return ack, s.settle(err)
	}
	return ack, nil
}

func (s *Streamer) exchange(ctx context.Context, index int, line string) (string, error) {
	s.exchangeMu.Lock()
	defer s.exchangeMu.Unlock()
	return s.engine.exchange(ctx, index, line, true)
}

// EmergencyStop stops the engine and writes the halt token, returning once
// the write completes. It does not wait behind an exchange in progress.
func (s *Streamer) EmergencyStop() error {
	issued := time.Now()
	s.requestStop()
	return s.haltNow(issued)
}
