package stream

import (
	"context"
	"sync"
)

// Signals is the pause/stop state shared between a running stream and the
// callers controlling it. Once stopped it stays stopped.
type Signals struct {
	mu      sync.Mutex
	paused  bool
	stopped bool
	wake    chan struct{} // closed and replaced on every Resume or Stop
	done    chan struct{} // closed once, on the first Stop
}

// NewSignals creates signals in the running (not paused, not stopped) state
func NewSignals() *Signals {
	return &Signals{
		wake: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Pause asks the stream to hold before its next line. It has no effect
// once stopped.
func (s *Signals) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.paused = true
	}
}

// Resume clears a pause and wakes any waiter
func (s *Signals) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.broadcast()
}

// Stop sets the terminal stopped flag and wakes any waiter. It reports
// whether this call was the one that stopped.
func (s *Signals) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.stopped = true
	s.paused = false
	s.broadcast()
	close(s.done)
	return true
}

// broadcast must be called with mu held
func (s *Signals) broadcast() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Paused reports whether a pause is in effect
func (s *Signals) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Stopped reports whether Stop has been called
func (s *Signals) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Done is closed when Stop is first called
func (s *Signals) Done() <-chan struct{} {
	return s.done
}

// WaitWhilePaused blocks while paused. It returns stopped=true as soon as a
// stop is observed, and the context error if ctx ends first.
func (s *Signals) WaitWhilePaused(ctx context.Context) (stopped bool, err error) {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return true, nil
		}
		if !s.paused {
			s.mu.Unlock()
			return false, nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return s.Stopped(), ctx.Err()
		}
	}
}

// bind derives a context that is cancelled when the signals stop, so a
// transport call blocked on a silent device returns promptly after a halt
func (s *Signals) bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
