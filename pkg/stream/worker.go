package stream

import (
	"context"
	"time"

	"github.com/thawkins/gcodekit6/pkg/transport"
)

// Worker is the minimal engine: no window and no ack classification.
// Each line is sent and whatever comes back is read and discarded.
type Worker struct {
	*engine
}

// NewWorker creates a minimal engine owning t
func NewWorker(t transport.Transport, opts ...Option) *Worker {
	return &Worker{
		engine: newEngine("worker", t, 1, opts),
	}
}

// Stream sends every line, honoring pause and stop. Only transport
// failures end it early.
func (w *Worker) Stream(lines []string) error {
	if w.stopped() {
		return nil
	}

	ctx, cancel := w.signals.bind(context.Background())
	defer cancel()

	r := w.begin(len(lines))
	for i, line := range lines {
		if w.stopped() {
			return r.end(nil)
		}
		if stopped, err := w.signals.WaitWhilePaused(ctx); stopped || err != nil {
			return r.end(nil)
		}

		if _, err := w.exchange(ctx, i, line, false); err != nil {
			return r.end(w.settle(err))
		}
		w.reportProgress(i+1, len(lines))
	}
	return r.end(nil)
}

// EmergencyStop stops the engine and writes the halt token
func (w *Worker) EmergencyStop() error {
	issued := time.Now()
	w.requestStop()
	return w.haltNow(issued)
}
