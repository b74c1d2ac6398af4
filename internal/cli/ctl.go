package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/thawkins/gcodekit6/internal/control"
	"github.com/thawkins/gcodekit6/pkg/stream"
)

func (a *app) newControlCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Control a stream running in another gcodekit6 process",
		Long: `Talk to the control API of a running "gcodekit6 stream --control-addr ..."
process. The address defaults to control.addr from the configuration.`,
	}
	cmd.PersistentFlags().String("addr", "", "control API address, e.g. 127.0.0.1:8095")

	actions := []struct {
		use   string
		short string
		call  func(*control.Client, context.Context) (stream.Stats, error)
	}{
		{"status", "Show the stream state and counters", (*control.Client).Status},
		{"pause", "Pause before the next line", (*control.Client).Pause},
		{"resume", "Resume a paused stream", (*control.Client).Resume},
		{"estop", "Send the halt token now", (*control.Client).EmergencyStop},
	}

	for _, action := range actions {
		action := action
		sub := &cobra.Command{
			Use:   action.use,
			Short: action.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				p, err := newPrinter(cmd)
				if err != nil {
					return err
				}
				client, err := a.controlClient(cmd)
				if err != nil {
					return err
				}

				stats, err := action.call(client, cmd.Context())
				if err != nil {
					return err
				}
				return p.print(stats, func(w io.Writer) error {
					return printControlStats(w, stats)
				})
			},
		}
		addOutputFlag(sub)
		cmd.AddCommand(sub)
	}
	return cmd
}

func (a *app) controlClient(cmd *cobra.Command) (*control.Client, error) {
	addr, err := cmd.Flags().GetString("addr")
	if err != nil {
		return nil, err
	}
	if addr == "" {
		addr = a.cfg.Control.Addr
	}
	if addr == "" {
		return nil, fmt.Errorf("no control address: pass --addr or set GCK_CONTROL_ADDR")
	}
	return control.NewClient(addr, a.timeout()), nil
}

func printControlStats(w io.Writer, s stream.Stats) error {
	_, err := fmt.Fprintf(w,
		"run %s (%s over %s)\nstate: %s\nlines: %d sent, %d acknowledged, %d in flight\n",
		s.RunID, s.Engine, s.Transport, s.State, s.LinesSent, s.LinesAcked, s.InFlight)
	if err != nil {
		return err
	}
	if s.Error != "" {
		_, err = fmt.Fprintf(w, "error: %s\n", s.Error)
	}
	return err
}
