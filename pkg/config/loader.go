package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoaderConfig configures how configuration is loaded
type LoaderConfig struct {
	ConfigFile      string
	EnvironmentFile string

	// EnvPrefix is tried before the bare variable name, e.g. GCK_LOG_LEVEL
	// before LOG_LEVEL
	EnvPrefix string
}

// ConfigLoader fills a tagged struct from, in increasing precedence:
// `default` tags, a YAML file, a .env file and the process environment.
// Fields tagged `env:"-"` are never read from the environment.
type ConfigLoader struct {
	config LoaderConfig
}

// NewConfigLoader creates a new configuration loader
func NewConfigLoader(cfg LoaderConfig) *ConfigLoader {
	return &ConfigLoader{config: cfg}
}

// Load loads configuration into target, which must be a pointer to a struct
func (l *ConfigLoader) Load(target interface{}) error {
	if v := reflect.ValueOf(target); v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("config target must be a non-nil pointer, got %T", target)
	}

	if err := l.walk(reflect.ValueOf(target), "", l.applyDefault); err != nil {
		return fmt.Errorf("failed to set defaults: %w", err)
	}

	if l.config.ConfigFile != "" {
		if err := loadYAML(target, l.config.ConfigFile); err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if l.config.EnvironmentFile != "" {
		if err := loadEnvironmentFile(l.config.EnvironmentFile); err != nil {
			return fmt.Errorf("failed to load environment file: %w", err)
		}
	}

	if err := l.walk(reflect.ValueOf(target), "", l.applyEnv); err != nil {
		return fmt.Errorf("failed to load from environment: %w", err)
	}

	return nil
}

type fieldFunc func(field reflect.Value, sf reflect.StructField, envName string) error

// walk visits every settable leaf field, computing its environment name
// from the `env` tag or the upper-cased field path
func (l *ConfigLoader) walk(v reflect.Value, prefix string, fn fieldFunc) error {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)
		if !field.CanSet() {
			continue
		}

		name := strings.ToUpper(sf.Name)
		if prefix != "" {
			name = prefix + "_" + name
		}

		isStruct := field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{})
		if isStruct || (field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct) {
			if err := l.walk(field, name, fn); err != nil {
				return err
			}
			continue
		}

		if tag := sf.Tag.Get("env"); tag != "" {
			name = tag
		}
		if err := fn(field, sf, name); err != nil {
			return err
		}
	}
	return nil
}

func (l *ConfigLoader) applyDefault(field reflect.Value, sf reflect.StructField, _ string) error {
	def := sf.Tag.Get("default")
	if def == "" {
		return nil
	}
	if err := setFieldValue(field, def); err != nil {
		return fmt.Errorf("failed to set default for field %s: %w", sf.Name, err)
	}
	return nil
}

func (l *ConfigLoader) applyEnv(field reflect.Value, sf reflect.StructField, envName string) error {
	if envName == "-" {
		return nil
	}

	names := []string{envName}
	if l.config.EnvPrefix != "" {
		names = []string{strings.ToUpper(l.config.EnvPrefix) + "_" + envName, envName}
	}

	for _, name := range names {
		value, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("failed to set field %s from env %s: %w", sf.Name, name, err)
		}
		return nil
	}
	return nil
}

// loadYAML merges a YAML file into target. A missing file is not an error.
func loadYAML(target interface{}, filename string) error {
	data, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return nil
}

// loadEnvironmentFile exports KEY=VALUE lines that are not already set in
// the process environment. A missing file is not an error.
func loadEnvironmentFile(filename string) error {
	data, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read environment file %s: %w", filename, err)
	}

	for lineNum, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("invalid line %d in environment file %s: %s", lineNum+1, filename, line)
		}
		key = strings.TrimSpace(key)
		value = unquote(strings.TrimSpace(value))

		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
	return nil
}

func unquote(value string) string {
	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return value[1 : len(value)-1]
		}
	}
	return value
}

// setFieldValue sets a field value from a string
func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			field.SetBool(true)
		case "false", "0", "no", "off":
			field.SetBool(false)
		default:
			return fmt.Errorf("invalid boolean value: %s", value)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration value: %s", value)
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer value: %s", value)
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid unsigned integer value: %s", value)
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid float value: %s", value)
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported field type: %s", field.Type())
		}
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported field type: %s", field.Type())
	}
	return nil
}

// FindConfigFile searches for a configuration file in standard locations:
// the working directory, ./config, the user config directory and /etc
func FindConfigFile(serviceName string) string {
	configName := serviceName + ".yaml"

	searchPaths := []string{
		configName,
		filepath.Join("config", configName),
	}
	if dir, err := os.UserConfigDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(dir, serviceName, "config.yaml"))
	}
	searchPaths = append(searchPaths, filepath.Join("/etc", serviceName, configName))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// FindEnvironmentFile searches for an environment file
func FindEnvironmentFile(serviceName string) string {
	searchPaths := []string{
		".env",
		serviceName + ".env",
		filepath.Join("config", ".env"),
		filepath.Join("config", serviceName+".env"),
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
