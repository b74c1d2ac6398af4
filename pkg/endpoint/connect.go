package endpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thawkins/gcodekit6/internal/metrics"
	"github.com/thawkins/gcodekit6/pkg/config"
	"github.com/thawkins/gcodekit6/pkg/transport"
)

// Options tune Connect
type Options struct {
	// Timeout overrides the resolved network timeout when positive
	Timeout time.Duration

	// SimOptions are appended when the endpoint is sim://
	SimOptions []transport.SimOption
}

// Connect parses endpoint and returns a connected transport
func Connect(ctx context.Context, endpoint string, opts Options) (transport.Transport, error) {
	spec, err := Parse(endpoint)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, spec, opts)
}

// Dial connects a parsed endpoint
func Dial(ctx context.Context, spec Spec, opts Options) (transport.Transport, error) {
	timeout := config.ResolveTimeout(opts.Timeout)
	kind := spec.Kind.String()

	logger := log.With().
		Str("transport", kind).
		Str("endpoint", spec.String()).
		Dur("timeout", timeout).
		Logger()

	t, err := dial(ctx, spec, timeout, opts)
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues(kind, "error").Inc()
		logger.Error().Err(err).Msg("Failed to connect")
		return nil, err
	}

	metrics.ConnectionsTotal.WithLabelValues(kind, "success").Inc()
	logger.Info().Msg("Connected")
	return t, nil
}

func dial(ctx context.Context, spec Spec, timeout time.Duration, opts Options) (transport.Transport, error) {
	switch spec.Kind {
	case transport.KindTCP:
		t := transport.NewTCPTransport(timeout)
		if err := t.Connect(ctx, spec.Address); err != nil {
			return nil, err
		}
		return t, nil

	case transport.KindUDP:
		t := transport.NewUDPTransport(timeout)
		if err := t.Connect(ctx, spec.Address, spec.Bind); err != nil {
			return nil, err
		}
		return t, nil

	case transport.KindWebSocket:
		t := transport.NewWebSocketTransport(timeout)
		if err := t.Connect(ctx, spec.Address); err != nil {
			return nil, err
		}
		return t, nil

	case transport.KindSerial:
		cfg := spec.Serial
		cfg.Timeout = timeout
		if spec.Timeout > 0 {
			cfg.Timeout = spec.Timeout
		}
		t := transport.NewSerialTransport(cfg)
		if err := t.Connect(ctx); err != nil {
			return nil, err
		}
		return t, nil

	case transport.KindSim:
		simOpts := []transport.SimOption{transport.WithSimTimeout(timeout)}
		if spec.Sim.Latency > 0 {
			simOpts = append(simOpts, transport.WithAckLatency(spec.Sim.Latency))
		}
		if spec.Sim.ErrorAt >= 0 {
			simOpts = append(simOpts, transport.WithResponder(transport.RespondErrorAt(spec.Sim.ErrorAt, spec.Sim.ErrorAck)))
		}
		if spec.Sim.SilentAfterHalt {
			simOpts = append(simOpts, transport.WithSilenceAfterHalt())
		}
		return transport.NewSimTransport(append(simOpts, opts.SimOptions...)...), nil

	default:
		return nil, fmt.Errorf("unsupported transport %s", spec.Kind)
	}
}
