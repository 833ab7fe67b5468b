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


package di

import (
	"context"
	"fmt"

	"github.com/ahoma/depmgr/pkg/component"
	"github.com/ahoma/depmgr/pkg/config"
	"github.com/ahoma/depmgr/pkg/configadmin"
	"github.com/ahoma/depmgr/pkg/launcher"
	"github.com/ahoma/depmgr/pkg/logging"
)

// ApplicationBuilder builds an Application
type ApplicationBuilder struct {
	container  *Container
	configFile string
	overrides  []Override
	bundles    []launcher.Bundle
}

// NewApplicationBuilder creates a new application builder
func NewApplicationBuilder() *ApplicationBuilder {
	return &ApplicationBuilder{
		container: NewContainer(),
	}
}

// WithConfigFile sets the configuration file path
func (b *ApplicationBuilder) WithConfigFile(path string) *ApplicationBuilder {
	b.configFile = path
	return b
}

// WithOverrides adjusts the loaded configuration
func (b *ApplicationBuilder) WithOverrides(overrides ...Override) *ApplicationBuilder {
	b.overrides = append(b.overrides, overrides...)
	return b
}

// WithBundles installs extra bundles after the configured ones
func (b *ApplicationBuilder) WithBundles(bundles ...launcher.Bundle) *ApplicationBuilder {
	b.bundles = append(b.bundles, bundles...)
	return b
}

// Build builds the application with all dependencies configured
func (b *ApplicationBuilder) Build(_ context.Context) (*Application, error) {
	registry := NewServiceRegistry(b.container).
		WithConfigFile(b.configFile).
		WithOverrides(b.overrides...)
	if err := registry.RegisterAll(); err != nil {
		return nil, fmt.Errorf("failed to register services: %w", err)
	}

	// Register application with reference to container
	if err := b.container.Provide(func(cfg *config.RuntimeConfig, log *logging.Logger, l *launcher.Launcher) *Application {
		for _, bundle := range b.bundles {
			l.AddBundle(bundle)
		}
		return &Application{
			Config:    cfg,
			Container: b.container,
			log:       log,
			launcher:  l,
		}
	}); err != nil {
		return nil, fmt.Errorf("failed to register application: %w", err)
	}

	app, err := Resolve[*Application](b.container)
	if err != nil {
		return nil, fmt.Errorf("failed to build application: %w", err)
	}
	return app, nil
}

// Application represents the main depmgr application
type Application struct {
	Config    *config.RuntimeConfig
	Container *Container

	log      *logging.Logger
	launcher *launcher.Launcher
}

// Start runs the runtime until a shutdown signal arrives or ctx is done
func (a *Application) Start(ctx context.Context) error {
	a.log.Info("Starting depmgr",
		"config-directory", a.Config.ConfigAdmin.Directory,
		"watch", a.Config.ConfigAdmin.Watch,
		"inspect-enabled", a.Config.Inspect.Enabled,
		"inspect-address", a.Config.Inspect.BindAddress,
		"metrics-enabled", a.Config.Observability.Metrics.Enabled,
		"demo-enabled", a.Config.Demo.Enabled,
	)

	if err := a.launcher.Run(ctx); err != nil {
		return fmt.Errorf("runtime stopped with errors: %w", err)
	}
	return nil
}

// Stop shuts the components down without waiting for a signal. Start does
// the same on its own when it returns.
func (a *Application) Stop(ctx context.Context) error {
	a.log.Info("Stopping depmgr")
	manager, err := a.Manager()
	if err != nil {
		return err
	}
	return manager.Shutdown(ctx)
}

// GetConfig returns the application configuration
func (a *Application) GetConfig() *config.RuntimeConfig {
	return a.Config
}

// Manager returns the component manager
func (a *Application) Manager() (*component.Manager, error) {
	return Resolve[*component.Manager](a.Container)
}

// ConfigAdmin returns the configuration admin
func (a *Application) ConfigAdmin() (*configadmin.Admin, error) {
	return Resolve[*configadmin.Admin](a.Container)
}

// Launcher returns the launcher
func (a *Application) Launcher() *launcher.Launcher {
	return a.launcher
}

// NewApplication creates a new application with default configuration
func NewApplication(ctx context.Context) (*Application, error) {
	return NewApplicationBuilder().Build(ctx)
}

// NewApplicationWithConfig creates a new application with configuration from file
func NewApplicationWithConfig(ctx context.Context, configFile string) (*Application, error) {
	return NewApplicationBuilder().WithConfigFile(configFile).Build(ctx)
}
