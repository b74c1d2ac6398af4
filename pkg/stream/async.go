package stream

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/thawkins/gcodekit6/pkg/transport"
)

// AsyncStreamer is the cooperative engine. It honors the caller's context,
// parks on channels while paused, and yields instead of sleeping under
// backpressure, so many engines can share a process without each pinning
// an OS thread.
type AsyncStreamer struct {
	*engine
	exchangeSem *semaphore.Weighted
	active      atomic.Bool
	halts       sync.WaitGroup
}

// NewAsyncStreamer creates a cooperative engine owning t. A window below 1
// is treated as 1.
func NewAsyncStreamer(t transport.Transport, window int, opts ...Option) *AsyncStreamer {
	return &AsyncStreamer{
		engine:      newEngine("async", t, window, opts),
		exchangeSem: semaphore.NewWeighted(1),
	}
}

// Stream sends lines in order under ctx. Besides the Streamer outcomes it
// returns the context error, wrapped, when ctx ends before the input does.
func (s *AsyncStreamer) Stream(ctx context.Context, lines []string) error {
	if s.stopped() {
		return nil
	}
	if !s.active.CompareAndSwap(false, true) {
		return ErrStreamActive
	}
	defer s.active.Store(false)

	ctx, cancel := s.signals.bind(ctx)
	defer cancel()

	r := s.begin(len(lines))
	for i, line := range lines {
		if s.stopped() {
			return r.end(nil)
		}

		stopped, err := s.signals.WaitWhilePaused(ctx)
		if stopped {
			return r.end(nil)
		}
		if err != nil {
			return r.end(s.settle(fmt.Errorf("stream cancelled while paused: %w", err)))
		}

		for s.window.full() {
			if s.stopped() {
				return r.end(nil)
			}
			if err := ctx.Err(); err != nil {
				return r.end(s.settle(fmt.Errorf("stream cancelled: %w", err)))
			}
			runtime.Gosched()
		}

		if _, err := s.exchange(ctx, i, line); err != nil {
			return r.end(s.settle(err))
		}
		s.reportProgress(i+1, len(lines))
	}
	return r.end(nil)
}

func (s *AsyncStreamer) exchange(ctx context.Context, index int, line string) (string, error) {
	if err := s.exchangeSem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("waiting for exchange: %w", err)
	}
	defer s.exchangeSem.Release(1)
	return s.engine.exchange(ctx, index, line, true)
}

// Active reports whether a Stream call is running
func (s *AsyncStreamer) Active() bool {
	return s.active.Load()
}

// EmergencyStop stops the engine and writes the halt token. While a Stream
// call is running the write is dispatched on its own goroutine and this
// returns nil at once; a failed dispatched write is only logged. With no
// stream running the write completes before EmergencyStop returns.
func (s *AsyncStreamer) EmergencyStop() error {
	issued := time.Now()
	s.requestStop()

	if !s.active.Load() {
		return s.haltNow(issued)
	}

	s.halts.Add(1)
	go func() {
		defer s.halts.Done()
		if err := s.haltNow(issued); err != nil {
			s.log.Warn().Err(err).Msg("Dispatched emergency stop failed")
		}
	}()
	return nil
}

// Close waits for dispatched halt writes, bounded by the halt timeout, and
// then closes the transport.
func (s *AsyncStreamer) Close() error {
	done := make(chan struct{})
	go func() {
		s.halts.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.haltTimeout):
		s.log.Warn().Dur("timeout", s.haltTimeout).Msg("Closing with a dispatched emergency stop still pending")
	}
	return s.engine.Close()
}
