package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// ServiceName names config and environment files, and the user config directory
const ServiceName = "gcodekit6"

// EnvPrefix is the prefix for environment overrides, e.g. GCK_LOG_LEVEL
const EnvPrefix = "GCK"

// Config contains all configuration for the gcodekit6 streamer
type Config struct {
	// Persisted connection timeout in whole seconds; 0 means unset.
	// Read from the environment only through the timeout resolution chain.
	NetworkTimeoutSecs int `yaml:"network_timeout_secs" env:"-"`

	Log     LogConfig     `yaml:"log"`
	Device  DeviceConfig  `yaml:"device"`
	Stream  StreamConfig  `yaml:"stream"`
	Control ControlConfig `yaml:"control"`
}

// LogConfig configures logging behavior
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" default:"console"`
	Debug  bool   `yaml:"debug" env:"DEBUG" default:"false"`
}

// DeviceConfig selects the device to stream to
type DeviceConfig struct {
	Endpoint string `yaml:"endpoint" env:"DEVICE_ENDPOINT"`
}

// StreamConfig configures the streaming engine
type StreamConfig struct {
	Engine      string        `yaml:"engine" env:"STREAM_ENGINE" default:"sync"`
	Window      int           `yaml:"window" env:"STREAM_WINDOW" default:"1"`
	HaltTimeout time.Duration `yaml:"halt_timeout" default:"5s"`
}

// ControlConfig configures the HTTP control API. An empty address disables it.
type ControlConfig struct {
	Addr string `yaml:"addr" env:"CONTROL_ADDR"`
}

// Load loads configuration from configFile and envFile (either may be
// empty) and validates it
func Load(configFile, envFile string) (*Config, error) {
	cfg := &Config{}

	loader := NewConfigLoader(LoaderConfig{
		ConfigFile:      configFile,
		EnvironmentFile: envFile,
		EnvPrefix:       EnvPrefix,
	})

	if err := loader.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the loaded configuration
func (c *Config) Validate() error {
	if c.NetworkTimeoutSecs < 0 {
		return fmt.Errorf("network_timeout_secs must not be negative")
	}

	validEngines := map[string]bool{
		"sync":   true,
		"async":  true,
		"worker": true,
	}
	if !validEngines[c.Stream.Engine] {
		return fmt.Errorf("invalid stream engine: %s (expected sync, async or worker)", c.Stream.Engine)
	}

	// Zero and negative windows are normalised by the engines
	if c.Stream.Window > 1024 {
		return fmt.Errorf("stream window must be at most 1024")
	}

	if c.Stream.HaltTimeout <= 0 {
		return fmt.Errorf("halt timeout must be positive")
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console", "text":
	default:
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// NetworkTimeout resolves the effective transport timeout, with this
// configuration supplying the persisted value
func (c *Config) NetworkTimeout(override time.Duration) time.Duration {
	return ResolveTimeoutFrom(override, os.LookupEnv, c.NetworkTimeoutSecs)
}

// ConfigureZerolog sets the global level and, for console or text format,
// switches the global logger to a human readable writer on out. Colors are
// used only when out is a terminal.
func (c *LogConfig) ConfigureZerolog(out io.Writer) {
	level := zerolog.InfoLevel
	if c.Debug {
		level = zerolog.DebugLevel
	} else {
		switch strings.ToLower(c.Level) {
		case "trace":
			level = zerolog.TraceLevel
		case "debug":
			level = zerolog.DebugLevel
		case "info":
			level = zerolog.InfoLevel
		case "warn", "warning":
			level = zerolog.WarnLevel
		case "error":
			level = zerolog.ErrorLevel
		}
	}
	zerolog.SetGlobalLevel(level)

	switch strings.ToLower(c.Format) {
	case "console", "text":
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    !isTerminal(out),
		})
	default:
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	}
}

func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
