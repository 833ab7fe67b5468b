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

// Package config provides the runtime configuration structures and defaults
// of the depmgr host process.
package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// RuntimeConfig is the root configuration of the depmgr host process
type RuntimeConfig struct {
	// Runtime contains the host process settings
	Runtime RuntimeSection `yaml:"runtime" json:"runtime"`

	// ConfigAdmin contains the configuration record source
	ConfigAdmin ConfigAdminConfig `yaml:"configAdmin" json:"configAdmin"`

	// Inspect contains the inspection server settings
	Inspect InspectConfig `yaml:"inspect" json:"inspect"`

	// Demo contains the settings of the bundled demo components
	Demo DemoConfig `yaml:"demo" json:"demo"`

	// Observability contains metrics and logging configuration
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// RuntimeSection contains the host process settings
type RuntimeSection struct {
	// Name identifies the runtime in logs and the inspection API
	Name string `yaml:"name" json:"name"`

	// ShutdownTimeout bounds the graceful shutdown of every component
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
}

// ConfigAdminConfig contains the configuration record source
type ConfigAdminConfig struct {
	// Directory holds <pid>.yaml and <factoryPid>~<name>.yaml record files.
	// Empty means records are only managed through the API.
	Directory string `yaml:"directory" json:"directory"`

	// Watch follows changes of the directory
	Watch bool `yaml:"watch" json:"watch"`

	// Debounce is the quiet period before a changed file is read
	Debounce time.Duration `yaml:"debounce" json:"debounce"`
}

// InspectConfig contains the inspection server settings
type InspectConfig struct {
	// Enabled enables/disables the inspection server
	Enabled bool `yaml:"enabled" json:"enabled"`

	// BindAddress is the address to bind the inspection server
	BindAddress string `yaml:"bindAddress" json:"bindAddress"`
}

// DemoConfig contains the settings of the bundled demo components
type DemoConfig struct {
	// Enabled installs the demo components
	Enabled bool `yaml:"enabled" json:"enabled"`

	// MaintenanceWindow gates the demo maintenance component
	MaintenanceWindow WindowConfig `yaml:"maintenanceWindow" json:"maintenanceWindow"`

	// TemplateDir holds greeting templates (*.tmpl)
	TemplateDir string `yaml:"templateDir,omitempty" json:"templateDir,omitempty"`
}

// WindowConfig defines a recurring time window
type WindowConfig struct {
	// Schedule is a 5-field cron expression in UTC (e.g., "0 2 * * *" for daily at 2 AM)
	Schedule string `yaml:"schedule" json:"schedule"`

	// Duration is how long the window lasts (e.g., "4h", "30m", "2h30m")
	Duration string `yaml:"duration" json:"duration"`
}

// IsZero reports whether no window is configured
func (c *WindowConfig) IsZero() bool {
	return c.Schedule == "" && c.Duration == ""
}

// Validate validates the window configuration
func (c *WindowConfig) Validate() error {
	if c.IsZero() {
		return nil
	}

	if c.Schedule == "" || c.Duration == "" {
		return fmt.Errorf("both schedule and duration must be specified together")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(c.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", c.Schedule, err)
	}

	d, err := time.ParseDuration(c.Duration)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", c.Duration, err)
	}
	if d <= 0 {
		return fmt.Errorf("duration %q must be positive", c.Duration)
	}

	return nil
}

// ObservabilityConfig contains metrics and logging configuration
type ObservabilityConfig struct {
	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	// Enabled registers the collectors and serves /metrics
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level"`

	// Format is the log format (json, console)
	Format string `yaml:"format" json:"format"`

	// Output is the output destination (stdout, stderr)
	Output string `yaml:"output" json:"output"`

	// AddCaller adds caller information to logs
	AddCaller bool `yaml:"addCaller" json:"addCaller"`

	// Development enables development mode (pretty printing, etc.)
	Development bool `yaml:"development" json:"development"`
}

// DefaultConfig returns the default runtime configuration
func DefaultConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Runtime: RuntimeSection{
			Name:            "depmgr",
			ShutdownTimeout: 30 * time.Second,
		},
		ConfigAdmin: ConfigAdminConfig{
			Watch:    true,
			Debounce: 100 * time.Millisecond,
		},
		Inspect: InspectConfig{
			Enabled:     true,
			BindAddress: ":8081",
		},
		Demo: DemoConfig{
			Enabled: true,
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
			},
			Logging: LoggingConfig{
				Level:       "info",
				Format:      "json",
				Output:      "stdout",
				AddCaller:   true,
				Development: false,
			},
		},
	}
}

// Validate validates the configuration
func (c *RuntimeConfig) Validate() error {
	if c.Runtime.Name == "" {
		return fmt.Errorf("runtime.name cannot be empty")
	}

	if c.Runtime.ShutdownTimeout <= 0 {
		return fmt.Errorf("runtime.shutdownTimeout must be positive")
	}

	if c.ConfigAdmin.Watch && c.ConfigAdmin.Directory != "" && c.ConfigAdmin.Debounce < 0 {
		return fmt.Errorf("configAdmin.debounce cannot be negative")
	}

	if c.Inspect.Enabled && c.Inspect.BindAddress == "" {
		return fmt.Errorf("inspect.bindAddress cannot be empty when the inspection server is enabled")
	}

	if err := c.Demo.MaintenanceWindow.Validate(); err != nil {
		return fmt.Errorf("demo.maintenanceWindow: %w", err)
	}

	switch c.Observability.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("observability.logging.format must be json or console, got %q", c.Observability.Logging.Format)
	}

	return nil
}
