package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/thawkins/gcodekit6/pkg/transport"
)

func (a *app) newPortsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}

			ports, err := transport.ListSerialPorts()
			if err != nil {
				return fmt.Errorf("failed to list serial ports: %w", err)
			}
			return p.print(ports, func(w io.Writer) error {
				return printPorts(w, ports)
			})
		},
	}
	addOutputFlag(cmd)
	return cmd
}

func printPorts(w io.Writer, ports []transport.PortInfo) error {
	if len(ports) == 0 {
		_, err := fmt.Fprintln(w, "No serial ports found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tUSB ID\tPRODUCT\tSERIAL")
	for _, port := range ports {
		usb, product, serial := "-", "-", "-"
		if port.IsUSB {
			usb = port.VID + ":" + port.PID
		}
		if port.Product != "" {
			product = port.Product
		}
		if port.SerialNumber != "" {
			serial = port.SerialNumber
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", port.Name, usb, product, serial)
	}
	return tw.Flush()
}
