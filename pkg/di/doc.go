/*
Package di provides dependency injection infrastructure for depmgr.

The package wraps Uber's dig container. Container adds typed helpers
(Supply, Resolve) and the Must variants used during wiring.

ServiceRegistry handles service registration:
  - Configuration (loader, RuntimeConfig, command line overrides)
  - Logger
  - Core services (metrics collector, service registry, component manager,
    configuration admin, record directory watcher)
  - Servers (health, metrics, inspection)
  - Launcher and the bundles the configuration enables

# Architecture Pattern

depmgr uses constructor-based dependency injection:

	// Service constructor receives dependencies
	func(host *registry.Registry, log *logging.Logger, collector *metrics.Collector) *configadmin.Admin {
		return configadmin.New(host,
			configadmin.WithLogger(log.WithName("configadmin").Logger),
			configadmin.WithMetrics(collector),
		)
	}

Optional services (the metrics collector, the directory watcher, the
inspection server) are provided as nil pointers when disabled. Consumers
check for nil.

# Usage

	app, err := di.NewApplicationBuilder().
		WithConfigFile("depmgr.yaml").
		WithOverrides(func(cfg *config.RuntimeConfig) {
			cfg.Observability.Logging.Level = "debug"
		}).
		Build(ctx)
	if err != nil {
		log.Fatal(err)
	}

	// Start blocks until SIGINT/SIGTERM or ctx is done
	if err := app.Start(ctx); err != nil {
		log.Fatal(err)
	}

# Dependency Graph

	RuntimeConfig (file, DEPMGR_* environment, overrides)
	  ↓
	Logger
	  ↓
	├─ metrics.Collector
	├─ registry.Registry
	│  ├─ component.Manager
	│  └─ configadmin.Admin
	│     └─ configadmin.DirectoryWatcher
	│
	├─ server.HealthChecker (manager)
	├─ server.MetricsServer (collector)
	├─ server.InspectHandler (manager, admin)
	├─ server.Server
	│
	└─ launcher.Launcher (manager, admin, watcher, server, demo bundle)

Fail fast: configuration and wiring errors are returned by Build before
anything starts.
*/
package di
