package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Responder produces the acknowledgment the simulated device returns for
// the index-th ordinary line it receives (zero based)
type Responder func(index int, line string) string

// AlwaysOK acknowledges every line with "ok"
func AlwaysOK() Responder {
	return func(int, string) string { return "ok" }
}

// RespondErrorAt acknowledges every line with "ok" except the one at index,
// which gets ack instead
func RespondErrorAt(index int, ack string) Responder {
	return func(i int, _ string) string {
		if i == index {
			return ack
		}
		return "ok"
	}
}

// ScriptedResponder replays acks in order, then answers "ok"
func ScriptedResponder(acks ...string) Responder {
	return func(i int, _ string) string {
		if i < len(acks) {
			return acks[i]
		}
		return "ok"
	}
}

// SimOption configures a SimTransport
type SimOption func(*SimTransport)

// WithResponder sets the ack script
func WithResponder(r Responder) SimOption {
	return func(t *SimTransport) {
		t.responder = r
	}
}

// WithAckLatency delays every ack by d
func WithAckLatency(d time.Duration) SimOption {
	return func(t *SimTransport) {
		t.latency = d
	}
}

// WithSimTimeout bounds how long ReadLine waits for an ack
func WithSimTimeout(d time.Duration) SimOption {
	return func(t *SimTransport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithOnLine registers a hook called after each ordinary line reaches the
// wire. The hook runs inside SendLine, so it must not call back into the
// engine that owns the transport on the same goroutine.
func WithOnLine(fn func(index int, line string)) SimOption {
	return func(t *SimTransport) {
		t.onLine = fn
	}
}

// WithSilenceAfterHalt makes the device stop acknowledging once it has
// received the halt token, as a real controller in alarm state does
func WithSilenceAfterHalt() SimOption {
	return func(t *SimTransport) {
		t.silentAfterHalt = true
	}
}

// SimTransport is an in-memory device. It records every write on its wire,
// answers each ordinary line through its Responder and notes where the
// halt token landed.
type SimTransport struct {
	responder       Responder
	latency         time.Duration
	timeout         time.Duration
	onLine          func(index int, line string)
	silentAfterHalt bool

	mu        sync.Mutex
	wire      []string
	lines     []string
	haltIndex int

	acks      chan string
	closed    chan struct{}
	closeOnce sync.Once
}

// simQueueSize bounds unread acks; a stream never has more than one
// outstanding, the slack is for Push
const simQueueSize = 1024

// NewSimTransport creates a connected simulated device
func NewSimTransport(opts ...SimOption) *SimTransport {
	t := &SimTransport{
		responder: AlwaysOK(),
		timeout:   DefaultTimeout,
		haltIndex: -1,
		acks:      make(chan string, simQueueSize),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SendLine records line on the wire and queues its ack
func (t *SimTransport) SendLine(ctx context.Context, line string) error {
	if !t.IsAlive() {
		return closedError(KindSim, "send")
	}
	if err := ctx.Err(); err != nil {
		return classify(KindSim, "send", err)
	}

	line = trimLine(line)

	t.mu.Lock()
	t.wire = append(t.wire, line)
	t.lines = append(t.lines, line)
	index := len(t.lines) - 1
	silent := t.silentAfterHalt && t.haltIndex >= 0
	t.mu.Unlock()

	if !silent {
		if err := t.enqueue(t.responder(index, line)); err != nil {
			return err
		}
	}

	if t.onLine != nil {
		t.onLine(index, line)
	}
	return nil
}

// Push injects an unsolicited message (status report, alarm) into the
// read queue
func (t *SimTransport) Push(line string) error {
	return t.enqueue(trimLine(line))
}

func (t *SimTransport) enqueue(ack string) error {
	select {
	case t.acks <- ack:
		return nil
	case <-t.closed:
		return closedError(KindSim, "send")
	default:
		return newError(ErrorIo, KindSim, "send", fmt.Errorf("ack queue full (%d unread)", simQueueSize))
	}
}

// ReadLine returns the next queued ack after the configured latency
func (t *SimTransport) ReadLine(ctx context.Context) (string, error) {
	if !t.IsAlive() {
		return "", closedError(KindSim, "read")
	}

	timer := time.NewTimer(time.Until(opDeadline(ctx, t.timeout)))
	defer timer.Stop()

	var ack string
	select {
	case ack = <-t.acks:
	case <-ctx.Done():
		return "", classify(KindSim, "read", ctx.Err())
	case <-t.closed:
		return "", closedError(KindSim, "read")
	case <-timer.C:
		return "", newError(ErrorTimeout, KindSim, "read", fmt.Errorf("no ack within %v", t.timeout))
	}

	if t.latency > 0 {
		delay := time.NewTimer(t.latency)
		defer delay.Stop()
		select {
		case <-delay.C:
		case <-ctx.Done():
			return "", classify(KindSim, "read", ctx.Err())
		case <-t.closed:
			return "", closedError(KindSim, "read")
		}
	}
	return ack, nil
}

// EmergencyStop records the halt token on the wire
func (t *SimTransport) EmergencyStop(ctx context.Context) error {
	if !t.IsAlive() {
		return closedError(KindSim, "emergency stop")
	}
	if err := ctx.Err(); err != nil {
		return classify(KindSim, "emergency stop", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.wire = append(t.wire, HaltToken)
	if t.haltIndex < 0 {
		t.haltIndex = len(t.wire) - 1
	}
	return nil
}

// Flush is a no-op
func (t *SimTransport) Flush() error {
	if !t.IsAlive() {
		return closedError(KindSim, "flush")
	}
	return nil
}

// Close disconnects the simulated device
func (t *SimTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	return nil
}

// IsAlive returns false once Close has been called
func (t *SimTransport) IsAlive() bool {
	select {
	case <-t.closed:
		return false
	default:
		return true
	}
}

// Kind returns KindSim
func (t *SimTransport) Kind() Kind {
	return KindSim
}

// Wire returns every write in arrival order, halt tokens included
func (t *SimTransport) Wire() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.wire...)
}

// Lines returns the ordinary lines received, halt tokens excluded
func (t *SimTransport) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// Halted reports whether the halt token has been received
func (t *SimTransport) Halted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.haltIndex >= 0
}

// HaltIndex returns the wire position of the first halt token, or -1
func (t *SimTransport) HaltIndex() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.haltIndex
}

// LinesAfterHalt returns ordinary lines written after the first halt token
func (t *SimTransport) LinesAfterHalt() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.haltIndex < 0 {
		return nil
	}
	var after []string
	for _, w := range t.wire[t.haltIndex+1:] {
		if w != HaltToken {
			after = append(after, w)
		}
	}
	return after
}
