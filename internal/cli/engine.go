package cli

import (
	"context"
	"fmt"

	"github.com/thawkins/gcodekit6/pkg/config"
	"github.com/thawkins/gcodekit6/pkg/stream"
	"github.com/thawkins/gcodekit6/pkg/transport"
)

// runner is an engine together with the call that streams through it
type runner struct {
	stream.Control
	close func() error
	run   func(ctx context.Context, lines []string) error
}

// newRunner builds the engine named by cfg.Engine around t
func newRunner(cfg config.StreamConfig, t transport.Transport, opts ...stream.Option) (*runner, error) {
	opts = append(opts, stream.WithHaltTimeout(cfg.HaltTimeout))

	switch cfg.Engine {
	case "sync", "":
		s := stream.NewStreamer(t, cfg.Window, opts...)
		return &runner{
			Control: s,
			close:   s.Close,
			run:     func(_ context.Context, lines []string) error { return s.Stream(lines) },
		}, nil
	case "async":
		s := stream.NewAsyncStreamer(t, cfg.Window, opts...)
		return &runner{
			Control: s,
			close:   s.Close,
			run:     s.Stream,
		}, nil
	case "worker":
		w := stream.NewWorker(t, opts...)
		return &runner{
			Control: w,
			close:   w.Close,
			run:     func(_ context.Context, lines []string) error { return w.Stream(lines) },
		}, nil
	default:
		return nil, fmt.Errorf("unknown stream engine %q", cfg.Engine)
	}
}
