package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thawkins/gcodekit6/internal/metrics"
	"github.com/thawkins/gcodekit6/pkg/transport"
)

const (
	// DefaultHaltTimeout bounds the halt token write when no active stream
	// supplies a context
	DefaultHaltTimeout = 5 * time.Second

	// backpressurePoll is how long the synchronous engine sleeps while the
	// window is full
	backpressurePoll = time.Millisecond
)

// Control is the out-of-band surface shared by every engine. All methods
// are safe to call from any goroutine while a stream is running.
type Control interface {
	Pause()
	Resume()
	EmergencyStop() error
	State() State
	Stats() Stats
}

// Stats is a point-in-time snapshot of an engine
type Stats struct {
	RunID       string        `json:"run_id"`
	Engine      string        `json:"engine"`
	Transport   string        `json:"transport"`
	State       State         `json:"state"`
	Window      int           `json:"window"`
	LinesSent   int64         `json:"lines_sent"`
	LinesAcked  int64         `json:"lines_acked"`
	InFlight    int64         `json:"in_flight"`
	MaxInFlight int64         `json:"max_in_flight"`
	HaltLatency time.Duration `json:"halt_latency_ns"`
	Alive       bool          `json:"transport_alive"`
	Error       string        `json:"error,omitempty"`
}

// Option configures an engine
type Option func(*options)

type options struct {
	signals     *Signals
	logger      *zerolog.Logger
	progress    func(done, total int)
	haltTimeout time.Duration
}

// WithSignals shares externally owned signals with the engine
func WithSignals(s *Signals) Option {
	return func(o *options) {
		o.signals = s
	}
}

// WithLogger replaces the global logger as the base for engine logs
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

// WithProgress registers a callback run after each completed line.
// It runs on the streaming goroutine and must return quickly.
func WithProgress(fn func(done, total int)) Option {
	return func(o *options) {
		o.progress = fn
	}
}

// WithHaltTimeout bounds the halt token write
func WithHaltTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.haltTimeout = d
		}
	}
}

// engine holds the state and protocol steps common to every variant.
//
// Lock order: an engine's own exchange lock, then gate. gate is held only
// around "check stopped, write line" and around the halt token write, so
// once a stop has been requested no ordinary line can follow the halt
// token onto the wire.
type engine struct {
	name        string
	runID       string
	transport   transport.Transport
	signals     *Signals
	window      *window
	progress    func(done, total int)
	haltTimeout time.Duration
	log         zerolog.Logger

	gate  sync.Mutex
	phase atomic.Int32

	sent      atomic.Int64
	acked     atomic.Int64
	haltNanos atomic.Int64

	errMu sync.RWMutex
	err   error
}

func newEngine(name string, t transport.Transport, windowSize int, opts []Option) *engine {
	o := options{haltTimeout: DefaultHaltTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.signals == nil {
		o.signals = NewSignals()
	}
	base := log.Logger
	if o.logger != nil {
		base = *o.logger
	}

	runID := uuid.NewString()
	return &engine{
		name:        name,
		runID:       runID,
		transport:   t,
		signals:     o.signals,
		window:      newWindow(windowSize),
		progress:    o.progress,
		haltTimeout: o.haltTimeout,
		log: base.With().
			Str("engine", name).
			Str("run_id", runID).
			Str("transport", t.Kind().String()).
			Logger(),
	}
}

// Pause holds the stream before its next line. The transport is not touched.
func (e *engine) Pause() {
	e.signals.Pause()
	metrics.ControlSignalsTotal.WithLabelValues(e.name, "pause").Inc()
	e.log.Info().Int64("lines_acked", e.acked.Load()).Msg("Stream paused")
}

// Resume continues a paused stream
func (e *engine) Resume() {
	e.signals.Resume()
	metrics.ControlSignalsTotal.WithLabelValues(e.name, "resume").Inc()
	e.log.Info().Msg("Stream resumed")
}

// State returns the current engine state
func (e *engine) State() State {
	if e.stopped() {
		return Stopped
	}
	if e.signals.Paused() {
		return Paused
	}
	return State(e.phase.Load())
}

// Err returns the device error that stopped the engine, if any
func (e *engine) Err() error {
	e.errMu.RLock()
	defer e.errMu.RUnlock()
	return e.err
}

// RunID identifies this engine in logs and status output
func (e *engine) RunID() string {
	return e.runID
}

// Signals returns the pause/stop state the engine honors
func (e *engine) Signals() *Signals {
	return e.signals
}

// LastHaltLatency returns the time between the most recent emergency stop
// request and its halt token reaching the transport, or zero
func (e *engine) LastHaltLatency() time.Duration {
	return time.Duration(e.haltNanos.Load())
}

// Stats returns a snapshot of the engine counters
func (e *engine) Stats() Stats {
	stats := Stats{
		RunID:       e.runID,
		Engine:      e.name,
		Transport:   e.transport.Kind().String(),
		State:       e.State(),
		Window:      int(e.window.size),
		LinesSent:   e.sent.Load(),
		LinesAcked:  e.acked.Load(),
		InFlight:    e.window.inFlight.Load(),
		MaxInFlight: e.window.max.Load(),
		HaltLatency: e.LastHaltLatency(),
		Alive:       e.transport.IsAlive(),
	}
	if err := e.Err(); err != nil {
		stats.Error = err.Error()
	}
	return stats
}

// Close disconnects the transport owned by the engine
func (e *engine) Close() error {
	return e.transport.Close()
}

func (e *engine) stopped() bool {
	return e.signals.Stopped() || e.Err() != nil
}

func (e *engine) fail(err error) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	if e.err == nil {
		e.err = err
	}
}

func (e *engine) setPhase(s State) {
	e.phase.Store(int32(s))
}

// requestStop flips the terminal flag before anything touches the wire
func (e *engine) requestStop() {
	if e.signals.Stop() {
		e.log.Warn().Msg("Emergency stop requested")
	}
	metrics.ControlSignalsTotal.WithLabelValues(e.name, "estop").Inc()
}

// halt writes the halt token. It waits only for a line write already in
// progress, never for an outstanding ack.
func (e *engine) halt(ctx context.Context, issued time.Time) error {
	kind := e.transport.Kind().String()

	e.gate.Lock()
	err := e.transport.EmergencyStop(ctx)
	e.gate.Unlock()

	if err != nil {
		metrics.EmergencyStopsTotal.WithLabelValues(kind, "error").Inc()
		e.log.Error().Err(err).Msg("Failed to transmit halt token")
		return fmt.Errorf("emergency stop: %w", err)
	}

	latency := time.Since(issued)
	e.haltNanos.Store(int64(latency))
	metrics.EmergencyStopsTotal.WithLabelValues(kind, "success").Inc()
	metrics.HaltLatency.WithLabelValues(kind).Observe(latency.Seconds())
	e.log.Warn().Dur("latency", latency).Msg("Halt token transmitted")
	return nil
}

// haltNow runs a synchronous halt under its own timeout
func (e *engine) haltNow(issued time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.haltTimeout)
	defer cancel()
	return e.halt(ctx, issued)
}

// send writes one line unless a stop has already been requested
func (e *engine) send(ctx context.Context, line string) (bool, error) {
	e.gate.Lock()
	defer e.gate.Unlock()

	if e.stopped() {
		return false, nil
	}
	e.setPhase(Sending)
	if err := e.transport.SendLine(ctx, line); err != nil {
		return false, err
	}
	e.sent.Add(1)
	metrics.LinesSentTotal.WithLabelValues(e.name, e.transport.Kind().String()).Inc()
	return true, nil
}

// exchange sends one line and reads its ack. With checkAck a rejected
// ack becomes a DeviceError and the engine stops.
func (e *engine) exchange(ctx context.Context, index int, line string, checkAck bool) (string, error) {
	sent, err := e.send(ctx, line)
	if err != nil {
		return "", err
	}
	if !sent {
		return "", errHalted
	}

	inFlight := e.window.acquire()
	metrics.InFlight.WithLabelValues(e.name).Set(float64(inFlight))
	e.setPhase(AwaitingAck)

	ack, err := e.transport.ReadLine(ctx)
	if err != nil {
		return "", err
	}

	if checkAck && !transport.AckAccepted(ack) {
		metrics.AcksTotal.WithLabelValues(e.name, "error").Inc()
		derr := &DeviceError{Line: line, Index: index, Ack: ack}
		e.fail(derr)
		return ack, derr
	}

	result := "ok"
	if !checkAck {
		result = "ignored"
	}
	metrics.AcksTotal.WithLabelValues(e.name, result).Inc()
	metrics.InFlight.WithLabelValues(e.name).Set(float64(e.window.release()))
	e.acked.Add(1)
	e.setPhase(Idle)
	return ack, nil
}

// settle decides what an exchange failure means for the caller. Anything
// that fails after a stop was requested is part of the stop, not an error.
func (e *engine) settle(err error) error {
	if err == nil || errors.Is(err, errHalted) || e.signals.Stopped() {
		return nil
	}
	if !IsDeviceError(err) {
		metrics.TransportErrorsTotal.WithLabelValues(e.transport.Kind().String(), errorType(err)).Inc()
	}
	return err
}

func (e *engine) reportProgress(done, total int) {
	if e.progress != nil {
		e.progress(done, total)
	}
}

// run tracks a single Stream call for logging and metrics
type run struct {
	e       *engine
	started time.Time
	total   int
}

func (e *engine) begin(total int) *run {
	e.log.Info().
		Int("lines", total).
		Int64("window", e.window.size).
		Msg("Stream started")
	return &run{e: e, started: time.Now(), total: total}
}

func (r *run) end(err error) error {
	e := r.e
	e.window.reset()
	metrics.InFlight.WithLabelValues(e.name).Set(0)
	e.setPhase(Idle)

	elapsed := time.Since(r.started)
	metrics.StreamDuration.WithLabelValues(e.name).Observe(elapsed.Seconds())

	status := "completed"
	switch {
	case err != nil:
		status = "failed"
	case e.signals.Stopped():
		status = "stopped"
	}
	metrics.StreamsTotal.WithLabelValues(e.name, status).Inc()

	event := e.log.Info()
	if err != nil {
		event = e.log.Error().Err(err)
	}
	event.
		Str("status", status).
		Int("lines", r.total).
		Int64("lines_sent", e.sent.Load()).
		Int64("lines_acked", e.acked.Load()).
		Dur("duration", elapsed).
		Msg("Stream finished")
	return err
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case transport.IsTimeout(err):
		return "timeout"
	case transport.IsClosed(err):
		return "closed"
	case transport.IsProtocolViolation(err):
		return "protocol"
	default:
		return "io"
	}
}
