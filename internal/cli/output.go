package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// outputFormat selects how command results are printed
type outputFormat string

const (
	formatText outputFormat = "text"
	formatJSON outputFormat = "json"
)

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", string(formatText), "Output format (text|json)")
}

func outputFormatFromCmd(cmd *cobra.Command) (outputFormat, error) {
	value, err := cmd.Flags().GetString("output")
	if err != nil {
		return formatText, err
	}

	switch f := outputFormat(value); f {
	case formatText, formatJSON:
		return f, nil
	default:
		return formatText, fmt.Errorf("invalid output format: %s (must be 'text' or 'json')", value)
	}
}

// printer writes a result as indented JSON or through a text renderer
type printer struct {
	format outputFormat
	w      io.Writer
}

func newPrinter(cmd *cobra.Command) (*printer, error) {
	format, err := outputFormatFromCmd(cmd)
	if err != nil {
		return nil, err
	}
	return &printer{format: format, w: cmd.OutOrStdout()}, nil
}

func (p *printer) print(data interface{}, text func(w io.Writer) error) error {
	if p.format == formatJSON {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	return text(p.w)
}
