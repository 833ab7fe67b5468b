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
	"fmt"

	"github.com/ahoma/depmgr/internal/demo"
	"github.com/ahoma/depmgr/internal/server"
	"github.com/ahoma/depmgr/pkg/component"
	"github.com/ahoma/depmgr/pkg/config"
	"github.com/ahoma/depmgr/pkg/configadmin"
	"github.com/ahoma/depmgr/pkg/launcher"
	"github.com/ahoma/depmgr/pkg/logging"
	"github.com/ahoma/depmgr/pkg/metrics"
	"github.com/ahoma/depmgr/pkg/registry"
)

// Override adjusts the loaded configuration, e.g. from command line flags.
// The configuration is validated again afterwards.
type Override func(cfg *config.RuntimeConfig)

// ServiceRegistry registers all depmgr services with the DI container
type ServiceRegistry struct {
	container  *Container
	configFile string
	overrides  []Override
}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(container *Container) *ServiceRegistry {
	return &ServiceRegistry{
		container: container,
	}
}

// WithConfigFile sets the configuration file path
func (r *ServiceRegistry) WithConfigFile(configFile string) *ServiceRegistry {
	r.configFile = configFile
	return r
}

// WithOverrides appends configuration overrides
func (r *ServiceRegistry) WithOverrides(overrides ...Override) *ServiceRegistry {
	r.overrides = append(r.overrides, overrides...)
	return r
}

// RegisterAll registers all core depmgr services
func (r *ServiceRegistry) RegisterAll() error {
	// Register configuration first (required by other services)
	if err := r.RegisterConfiguration(); err != nil {
		return fmt.Errorf("failed to register configuration: %w", err)
	}

	// Register logger (depends on configuration)
	if err := r.RegisterLogger(); err != nil {
		return fmt.Errorf("failed to register logger: %w", err)
	}

	if err := r.RegisterCoreServices(); err != nil {
		return fmt.Errorf("failed to register core services: %w", err)
	}

	if err := r.RegisterServers(); err != nil {
		return fmt.Errorf("failed to register servers: %w", err)
	}

	if err := r.RegisterLauncher(); err != nil {
		return fmt.Errorf("failed to register launcher: %w", err)
	}

	return nil
}

// RegisterConfiguration registers configuration-related services
func (r *ServiceRegistry) RegisterConfiguration() error {
	if err := r.container.Provide(func() *config.Loader {
		loader := config.NewLoader()
		if r.configFile != "" {
			loader = loader.WithConfigFile(r.configFile)
		}
		return loader
	}); err != nil {
		return err
	}

	return r.container.Provide(func(loader *config.Loader) (*config.RuntimeConfig, error) {
		cfg, err := loader.Load()
		if err != nil {
			return nil, err
		}
		if len(r.overrides) == 0 {
			return cfg, nil
		}
		for _, override := range r.overrides {
			override(cfg)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration after overrides: %w", err)
		}
		return cfg, nil
	})
}

// RegisterLogger registers structured JSON logger service
func (r *ServiceRegistry) RegisterLogger() error {
	return r.container.Provide(func(cfg *config.RuntimeConfig) (*logging.Logger, error) {
		logConfig := &logging.Config{
			Level:       cfg.Observability.Logging.Level,
			Format:      cfg.Observability.Logging.Format,
			Output:      cfg.Observability.Logging.Output,
			AddCaller:   cfg.Observability.Logging.AddCaller,
			Development: cfg.Observability.Logging.Development,
		}

		logger, err := logging.NewLogger(logConfig)
		if err != nil {
			return nil, err
		}
		return logger.WithValues("runtime", cfg.Runtime.Name), nil
	})
}

// RegisterCoreServices registers metrics, the service registry, the
// component manager and the configuration admin
func (r *ServiceRegistry) RegisterCoreServices() error {
	constructors := []interface{}{
		// nil when metrics are disabled; every Collector method is nil-safe
		func(cfg *config.RuntimeConfig) *metrics.Collector {
			if !cfg.Observability.Metrics.Enabled {
				return nil
			}
			return metrics.NewCollector()
		},

		func(log *logging.Logger, collector *metrics.Collector) *registry.Registry {
			return registry.New(
				registry.WithLogger(log.WithName("registry").Logger),
				registry.WithMetrics(collector),
			)
		},

		func(host *registry.Registry, log *logging.Logger, collector *metrics.Collector) *component.Manager {
			componentLog := log.WithName("components")
			return component.NewManager(host,
				component.WithLogger(componentLog.Logger),
				component.WithMetrics(collector),
				component.WithErrorHandler(func(c *component.Component, err error) {
					componentLog.WithComponent(c.ID(), c.Name()).Error(err, "Component failed")
				}),
			)
		},

		func(host *registry.Registry, log *logging.Logger, collector *metrics.Collector) *configadmin.Admin {
			return configadmin.New(host,
				configadmin.WithLogger(log.WithName("configadmin").Logger),
				configadmin.WithMetrics(collector),
			)
		},

		// nil when no record directory is configured
		func(cfg *config.RuntimeConfig, admin *configadmin.Admin, log *logging.Logger) *configadmin.DirectoryWatcher {
			if cfg.ConfigAdmin.Directory == "" {
				return nil
			}
			return configadmin.NewDirectoryWatcher(cfg.ConfigAdmin.Directory, admin,
				configadmin.WithWatcherLogger(log.WithName("configadmin-watcher").Logger),
				configadmin.WithDebounce(cfg.ConfigAdmin.Debounce),
			)
		},
	}

	for _, constructor := range constructors {
		if err := r.container.Provide(constructor); err != nil {
			return err
		}
	}
	return nil
}

// RegisterServers registers the health, metrics and inspection handlers and
// the HTTP server serving them
func (r *ServiceRegistry) RegisterServers() error {
	constructors := []interface{}{
		func(manager *component.Manager) *server.HealthChecker {
			return server.NewHealthChecker(manager)
		},

		func(cfg *config.RuntimeConfig, collector *metrics.Collector) *server.MetricsServer {
			if !cfg.Observability.Metrics.Enabled {
				return nil
			}
			return server.NewMetricsServer(collector)
		},

		func(manager *component.Manager, admin *configadmin.Admin) *server.InspectHandler {
			return server.NewInspectHandler(manager, admin, configadmin.ErrNotFound)
		},

		// nil when the inspection server is disabled
		func(
			cfg *config.RuntimeConfig,
			log *logging.Logger,
			health *server.HealthChecker,
			metricsServer *server.MetricsServer,
			inspect *server.InspectHandler,
		) *server.Server {
			if !cfg.Inspect.Enabled {
				return nil
			}
			return server.NewServer(cfg.Inspect.BindAddress, log.WithName("inspect-server").Logger,
				health, metricsServer, inspect)
		},
	}

	for _, constructor := range constructors {
		if err := r.container.Provide(constructor); err != nil {
			return err
		}
	}
	return nil
}

// RegisterLauncher registers the launcher with the bundles the configuration enables
func (r *ServiceRegistry) RegisterLauncher() error {
	return r.container.Provide(func(
		cfg *config.RuntimeConfig,
		log *logging.Logger,
		collector *metrics.Collector,
		manager *component.Manager,
		admin *configadmin.Admin,
		watcher *configadmin.DirectoryWatcher,
		health *server.HealthChecker,
		srv *server.Server,
	) *launcher.Launcher {
		shutdown := launcher.DefaultShutdownConfig()
		shutdown.GracefulTimeout = cfg.Runtime.ShutdownTimeout

		opts := []launcher.Option{
			launcher.WithLogger(log.Logger),
			launcher.WithMetrics(collector),
			launcher.WithReadiness(health),
			launcher.WithShutdownConfig(shutdown),
		}
		if watcher != nil {
			opts = append(opts, launcher.WithConfigSource(watcher, cfg.ConfigAdmin.Watch))
		}
		if srv != nil {
			opts = append(opts, launcher.WithRunnable("inspect-server", srv))
		}
		if cfg.Demo.Enabled {
			opts = append(opts, launcher.WithBundles(demo.NewBundle(demo.Options{
				WindowSchedule: cfg.Demo.MaintenanceWindow.Schedule,
				WindowDuration: cfg.Demo.MaintenanceWindow.Duration,
				TemplateDir:    cfg.Demo.TemplateDir,
			})))
		}
		return launcher.New(manager, admin, opts...)
	})
}
