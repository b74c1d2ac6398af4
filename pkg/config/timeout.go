package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultNetworkTimeout applies when nothing else is configured
	DefaultNetworkTimeout = 30 * time.Second

	// TimeoutEnvVar holds a positive whole number of seconds
	TimeoutEnvVar = "GCK_NETWORK_TIMEOUT_SECS"
)

// PersistedConfigPath returns <user config dir>/gcodekit6/config.yaml
func PersistedConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ServiceName, "config.yaml"), nil
}

// LoadPersistedTimeout reads network_timeout_secs from a YAML or JSON file.
// Missing files, parse failures and non-positive values all yield 0.
func LoadPersistedTimeout(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}

	var persisted struct {
		NetworkTimeoutSecs int `yaml:"network_timeout_secs"`
	}
	// JSON is a subset of YAML, so config.json written by older tools parses too
	if err := yaml.Unmarshal(data, &persisted); err != nil {
		return 0
	}
	if persisted.NetworkTimeoutSecs <= 0 {
		return 0
	}
	return persisted.NetworkTimeoutSecs
}

// ResolveTimeout returns the transport timeout using the precedence
// override, GCK_NETWORK_TIMEOUT_SECS, the persisted config file, then 30s
func ResolveTimeout(override time.Duration) time.Duration {
	persisted := 0
	if path, err := PersistedConfigPath(); err == nil {
		persisted = LoadPersistedTimeout(path)
		if persisted == 0 {
			persisted = LoadPersistedTimeout(strings.TrimSuffix(path, ".yaml") + ".json")
		}
	}
	return ResolveTimeoutFrom(override, os.LookupEnv, persisted)
}

// ResolveTimeoutFrom applies the precedence chain to explicit inputs.
// Invalid or non-positive values at any level fall through to the next.
func ResolveTimeoutFrom(override time.Duration, lookupEnv func(string) (string, bool), persistedSecs int) time.Duration {
	if override > 0 {
		return override
	}

	if lookupEnv != nil {
		if raw, ok := lookupEnv(TimeoutEnvVar); ok {
			if secs, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}

	if persistedSecs > 0 {
		return time.Duration(persistedSecs) * time.Second
	}

	return DefaultNetworkTimeout
}
