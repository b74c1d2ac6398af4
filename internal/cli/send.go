package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/thawkins/gcodekit6/pkg/endpoint"
	"github.com/thawkins/gcodekit6/pkg/stream"
)

// exchangeResult is one line and the device's answer to it
type exchangeResult struct {
	Line  string `json:"line"`
	Ack   string `json:"ack,omitempty"`
	Error string `json:"error,omitempty"`
}

func (a *app) newSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <line>...",
		Short: "Send lines to the device and print each acknowledgment",
		Long: `Send each argument as one line, waiting for its acknowledgment before the
next. Sending stops at the first rejected line.`,
		Example: `  gcodekit6 send -e /dev/ttyUSB0 '$I' 'G0 X0 Y0'`,
		Args:    cobra.MinimumNArgs(1),
		RunE:    a.runSend,
	}
	addOutputFlag(cmd)
	return cmd
}

func (a *app) runSend(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	target, err := a.endpoint()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	t, err := endpoint.Connect(ctx, target, endpoint.Options{Timeout: a.timeout()})
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	s := stream.NewStreamer(t, 1, stream.WithHaltTimeout(a.cfg.Stream.HaltTimeout))
	defer s.Close()

	var (
		results []exchangeResult
		sendErr error
	)
	for _, line := range args {
		ack, err := s.Send(ctx, line)
		result := exchangeResult{Line: line, Ack: ack}
		if err != nil {
			result.Error = err.Error()
			sendErr = err
		}
		results = append(results, result)
		if sendErr != nil {
			break
		}
	}

	if err := p.print(results, func(w io.Writer) error {
		for _, r := range results {
			ack := r.Ack
			if ack == "" {
				ack = "(no response)"
			}
			if _, err := fmt.Fprintf(w, "%s -> %s\n", r.Line, ack); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	return sendErr
}
