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


package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/ahoma/depmgr/pkg/config"
	"github.com/ahoma/depmgr/pkg/di"
)

var (
	// Build-time variables
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configFile  = pflag.String("config", "", "Path to the runtime configuration file.")
		configDir   = pflag.String("config-dir", "", "Directory of configuration record files (<pid>.yaml, <factoryPid>~<name>.yaml).")
		watch       = pflag.Bool("watch", true, "Follow changes of the configuration record directory.")
		logLevel    = pflag.String("log-level", "info", "Log level (debug, info, warn, error)")
		inspectAddr = pflag.String("inspect-addr", ":8081", "The address the inspection server binds to. Empty disables it.")
		enableDemo  = pflag.Bool("demo", true, "Install the demo components.")
		showVersion = pflag.Bool("version", false, "Show version information and exit.")
	)

	pflag.Parse()

	// Show version information
	if *showVersion {
		fmt.Printf("depmgr\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Build Date: %s\n", buildDate)
		os.Exit(0)
	}

	// flags only override what was set explicitly
	changed := pflag.CommandLine.Changed
	override := func(cfg *config.RuntimeConfig) {
		if changed("config-dir") {
			cfg.ConfigAdmin.Directory = *configDir
		}
		if changed("watch") {
			cfg.ConfigAdmin.Watch = *watch
		}
		if changed("log-level") {
			cfg.Observability.Logging.Level = *logLevel
		}
		if changed("inspect-addr") {
			cfg.Inspect.Enabled = *inspectAddr != ""
			if *inspectAddr != "" {
				cfg.Inspect.BindAddress = *inspectAddr
			}
		}
		if changed("demo") {
			cfg.Demo.Enabled = *enableDemo
		}
	}

	ctx := context.Background()
	app, err := di.NewApplicationBuilder().
		WithConfigFile(*configFile).
		WithOverrides(override).
		Build(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build application: %v\n", err)
		os.Exit(1)
	}

	// Start blocks until SIGINT/SIGTERM
	if err := app.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "depmgr stopped with errors: %v\n", err)
		os.Exit(1)
	}
}
