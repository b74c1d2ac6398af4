package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thawkins/gcodekit6/internal/control"
	"github.com/thawkins/gcodekit6/pkg/endpoint"
	"github.com/thawkins/gcodekit6/pkg/stream"
)

func (a *app) newStreamCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream <file|->",
		Short: "Stream a G-code program to the device",
		Long: `Send every non-blank line of a program, waiting for the device to
acknowledge each one before the next. Interrupt (Ctrl-C) sends the halt token
immediately. With --control-addr the stream can also be paused, resumed or
stopped over HTTP.`,
		Args: cobra.ExactArgs(1),
		RunE: a.runStream,
	}

	flags := cmd.Flags()
	flags.String("engine", "sync", "stream engine (sync|async|worker)")
	flags.Int("window", 1, "maximum unacknowledged lines")
	flags.Duration("halt-timeout", stream.DefaultHaltTimeout, "bound on writing the halt token")
	flags.String("control-addr", "", "serve the control API on this address, e.g. 127.0.0.1:8095")
	addOutputFlag(cmd)

	a.v.BindPFlag("stream.engine", flags.Lookup("engine"))
	a.v.BindPFlag("stream.window", flags.Lookup("window"))
	a.v.BindPFlag("stream.halt_timeout", flags.Lookup("halt-timeout"))
	a.v.BindPFlag("control.addr", flags.Lookup("control-addr"))
	return cmd
}

func (a *app) runStream(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	target, err := a.endpoint()
	if err != nil {
		return err
	}

	lines, err := readProgramFile(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return fmt.Errorf("program %s has no lines to send", args[0])
	}

	var ln net.Listener
	if addr := a.cfg.Control.Addr; addr != "" {
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen for control API on %s: %w", addr, err)
		}
		defer ln.Close()
	}

	sigCtx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	t, err := endpoint.Connect(sigCtx, target, endpoint.Options{Timeout: a.timeout()})
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", target, err)
	}

	r, err := newRunner(a.cfg.Stream, t, stream.WithProgress(progressLogger()))
	if err != nil {
		t.Close()
		return err
	}
	defer r.close()

	streamErr := a.superviseStream(sigCtx, r, lines, ln)

	stats := r.Stats()
	if err := p.print(stats, func(w io.Writer) error {
		return printStats(w, args[0], stats, streamErr)
	}); err != nil {
		return err
	}
	return streamErr
}

// superviseStream runs the stream alongside the interrupt watcher and the
// control server when ln is set. An interrupt becomes an emergency stop
// rather than a cancellation, so the halt token always reaches the device.
func (a *app) superviseStream(sigCtx context.Context, r *runner, lines []string, ln net.Listener) error {
	g, ctx := errgroup.WithContext(context.Background())
	finished := make(chan struct{})

	g.Go(func() error {
		defer close(finished)
		return r.run(ctx, lines)
	})

	g.Go(func() error {
		select {
		case <-sigCtx.Done():
			log.Warn().Msg("Interrupted, sending emergency stop")
			return r.EmergencyStop()
		case <-finished:
			return nil
		}
	})

	if ln != nil {
		srv := control.NewServer(ln.Addr().String(), r)
		srvCtx, cancel := context.WithCancel(ctx)
		g.Go(func() error {
			<-finished
			cancel()
			return nil
		})
		g.Go(func() error {
			return srv.Serve(srvCtx, ln)
		})
	}

	return g.Wait()
}

func progressLogger() func(done, total int) {
	return func(done, total int) {
		step := total / 10
		if step < 1 {
			step = 1
		}
		if done%step == 0 || done == total {
			log.Info().
				Int("done", done).
				Int("total", total).
				Float64("percent", float64(done)*100/float64(total)).
				Msg("Stream progress")
		}
	}
}

func printStats(w io.Writer, program string, s stream.Stats, streamErr error) error {
	outcome := "completed"
	switch {
	case streamErr != nil:
		outcome = "failed"
	case s.State == stream.Stopped:
		outcome = "stopped"
	}

	_, err := fmt.Fprintf(w, "%s: %s, %d/%d lines acknowledged (engine %s, transport %s)\n",
		program, outcome, s.LinesAcked, s.LinesSent, s.Engine, s.Transport)
	if err != nil {
		return err
	}
	if s.HaltLatency > 0 {
		_, err = fmt.Fprintf(w, "halt token sent %v after the stop request\n", s.HaltLatency)
	}
	return err
}
