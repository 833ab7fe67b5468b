/*
Copyright 2024 The Depmgr Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix is the prefix of the environment overrides
const DefaultEnvPrefix = "DEPMGR"

// Loader handles loading configuration from various sources
type Loader struct {
	// ConfigFile is the path to the YAML configuration file
	ConfigFile string
	// EnvPrefix is the prefix for environment variables (defaults to "DEPMGR")
	EnvPrefix string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		EnvPrefix: DefaultEnvPrefix,
	}
}

// WithConfigFile sets the configuration file path
func (l *Loader) WithConfigFile(path string) *Loader {
	l.ConfigFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.EnvPrefix = prefix
	return l
}

// Load loads configuration from all sources in priority order:
// defaults, then the configuration file if any, then the environment.
func (l *Loader) Load() (*RuntimeConfig, error) {
	config := DefaultConfig()

	if l.ConfigFile != "" {
		if err := l.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	l.loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func (l *Loader) loadFromFile(config *RuntimeConfig) error {
	data, err := os.ReadFile(l.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", l.ConfigFile, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(config *RuntimeConfig) {
	// Runtime
	if val := l.getEnv("RUNTIME_NAME"); val != "" {
		config.Runtime.Name = val
	}
	if val := l.getEnv("RUNTIME_SHUTDOWN_TIMEOUT"); val != "" {
		config.Runtime.ShutdownTimeout = l.parseDuration(val, config.Runtime.ShutdownTimeout)
	}

	// Configuration records
	if val := l.getEnv("CONFIGADMIN_DIRECTORY"); val != "" {
		config.ConfigAdmin.Directory = val
	}
	if val := l.getEnv("CONFIGADMIN_WATCH"); val != "" {
		config.ConfigAdmin.Watch = l.parseBool(val, config.ConfigAdmin.Watch)
	}
	if val := l.getEnv("CONFIGADMIN_DEBOUNCE"); val != "" {
		config.ConfigAdmin.Debounce = l.parseDuration(val, config.ConfigAdmin.Debounce)
	}

	// Inspection server
	if val := l.getEnv("INSPECT_ENABLED"); val != "" {
		config.Inspect.Enabled = l.parseBool(val, config.Inspect.Enabled)
	}
	if val := l.getEnv("INSPECT_BIND_ADDRESS"); val != "" {
		config.Inspect.BindAddress = val
	}

	// Demo
	if val := l.getEnv("DEMO_ENABLED"); val != "" {
		config.Demo.Enabled = l.parseBool(val, config.Demo.Enabled)
	}
	if val := l.getEnv("DEMO_WINDOW_SCHEDULE"); val != "" {
		config.Demo.MaintenanceWindow.Schedule = val
	}
	if val := l.getEnv("DEMO_WINDOW_DURATION"); val != "" {
		config.Demo.MaintenanceWindow.Duration = val
	}
	if val := l.getEnv("DEMO_TEMPLATE_DIR"); val != "" {
		config.Demo.TemplateDir = val
	}

	// Observability
	if val := l.getEnv("METRICS_ENABLED"); val != "" {
		config.Observability.Metrics.Enabled = l.parseBool(val, config.Observability.Metrics.Enabled)
	}
	if val := l.getEnv("LOGGING_LEVEL"); val != "" {
		config.Observability.Logging.Level = val
	}
	if val := l.getEnv("LOGGING_FORMAT"); val != "" {
		config.Observability.Logging.Format = val
	}
	if val := l.getEnv("LOGGING_OUTPUT"); val != "" {
		config.Observability.Logging.Output = val
	}
	if val := l.getEnv("LOGGING_ADDCALLER"); val != "" {
		config.Observability.Logging.AddCaller = l.parseBool(val, config.Observability.Logging.AddCaller)
	}
	if val := l.getEnv("LOGGING_DEVELOPMENT"); val != "" {
		config.Observability.Logging.Development = l.parseBool(val, config.Observability.Logging.Development)
	}
}

// getEnv gets an environment variable with the configured prefix
func (l *Loader) getEnv(key string) string {
	return os.Getenv(l.EnvPrefix + "_" + key)
}

// parseBool parses a boolean string, returning fallback on error
func (l *Loader) parseBool(val string, fallback bool) bool {
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return fallback
	}
}

// parseInt parses an integer string, returning fallback on error
func (l *Loader) parseInt(val string, fallback int) int {
	if i, err := strconv.Atoi(val); err == nil {
		return i
	}
	return fallback
}

// parseDuration accepts a Go duration or a number of seconds
func (l *Loader) parseDuration(val string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs := l.parseInt(val, -1); secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// Save saves the configuration to a YAML file
func (c *RuntimeConfig) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadFromFile is a convenience function to load configuration from a file
func LoadFromFile(filename string) (*RuntimeConfig, error) {
	return NewLoader().WithConfigFile(filename).Load()
}

// LoadFromEnv is a convenience function to load configuration from environment variables only
func LoadFromEnv() (*RuntimeConfig, error) {
	return NewLoader().Load()
}
