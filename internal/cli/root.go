// Package cli implements the gcodekit6 command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thawkins/gcodekit6/pkg/config"
)

// app carries state shared by every command of one invocation
type app struct {
	v       *viper.Viper
	cfgFile string
	envFile string
	cfg     *config.Config
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCommand builds the command tree. Each call has its own viper
// instance so commands can be executed repeatedly in one process.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}
	a.v.SetEnvPrefix(config.EnvPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "gcodekit6",
		Short: "Stream G-code to CNC and laser controllers",
		Long: `Stream G-code programs line by line to GRBL-style controllers over serial,
TCP, UDP or WebSocket, waiting for each acknowledgment. A running stream can
be paused, resumed or emergency stopped from the terminal or the control API.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default: search ./gcodekit6.yaml, ./config, user config dir, /etc)")
	flags.StringVar(&a.envFile, "env-file", "", "environment file (default: search .env)")
	flags.StringP("endpoint", "e", "", "device endpoint, e.g. /dev/ttyUSB0, tcp://host:23, ws://host:81/, sim://")
	flags.Duration("timeout", 0, "network timeout (default: GCK_NETWORK_TIMEOUT_SECS, config file, then 30s)")
	flags.String("log-level", "", "log level (trace|debug|info|warn|error)")
	flags.String("log-format", "", "log format (console|json)")
	flags.Bool("debug", false, "enable debug logging")

	a.v.BindPFlag("device.endpoint", flags.Lookup("endpoint"))
	a.v.BindPFlag("timeout", flags.Lookup("timeout"))
	a.v.BindPFlag("log.level", flags.Lookup("log-level"))
	a.v.BindPFlag("log.format", flags.Lookup("log-format"))
	a.v.BindPFlag("log.debug", flags.Lookup("debug"))

	root.AddCommand(
		a.newStreamCommand(),
		a.newSendCommand(),
		a.newPortsCommand(),
		a.newControlCommand(),
	)
	return root
}

// load reads the config file and environment, then applies flags
func (a *app) load(cmd *cobra.Command, _ []string) error {
	cfgFile := a.cfgFile
	if cfgFile == "" {
		cfgFile = config.FindConfigFile(config.ServiceName)
	}
	envFile := a.envFile
	if envFile == "" {
		envFile = config.FindEnvironmentFile(config.ServiceName)
	}

	cfg, err := config.Load(cfgFile, envFile)
	if err != nil {
		return err
	}
	a.applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	cfg.Log.ConfigureZerolog(cmd.ErrOrStderr())
	a.cfg = cfg
	return nil
}

// applyFlags overlays values set on the command line
func (a *app) applyFlags(cfg *config.Config) {
	if a.v.IsSet("device.endpoint") {
		cfg.Device.Endpoint = a.v.GetString("device.endpoint")
	}
	if a.v.IsSet("log.level") {
		cfg.Log.Level = a.v.GetString("log.level")
	}
	if a.v.IsSet("log.format") {
		cfg.Log.Format = a.v.GetString("log.format")
	}
	if a.v.IsSet("log.debug") {
		cfg.Log.Debug = a.v.GetBool("log.debug")
	}
	if a.v.IsSet("stream.engine") {
		cfg.Stream.Engine = a.v.GetString("stream.engine")
	}
	if a.v.IsSet("stream.window") {
		cfg.Stream.Window = a.v.GetInt("stream.window")
	}
	if a.v.IsSet("stream.halt_timeout") {
		cfg.Stream.HaltTimeout = a.v.GetDuration("stream.halt_timeout")
	}
	if a.v.IsSet("control.addr") {
		cfg.Control.Addr = a.v.GetString("control.addr")
	}
}

// timeout resolves the network timeout with --timeout as the override
func (a *app) timeout() time.Duration {
	return a.cfg.NetworkTimeout(a.v.GetDuration("timeout"))
}

func (a *app) endpoint() (string, error) {
	if a.cfg.Device.Endpoint == "" {
		return "", fmt.Errorf("no device endpoint: pass --endpoint or set GCK_DEVICE_ENDPOINT")
	}
	return a.cfg.Device.Endpoint, nil
}
