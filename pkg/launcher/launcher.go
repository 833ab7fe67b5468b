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


// Package launcher starts the runtime services, installs the bundles and runs
// the signal-driven shutdown sequence.
package launcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/ahoma/depmgr/pkg/component"
	"github.com/ahoma/depmgr/pkg/configadmin"
	"github.com/ahoma/depmgr/pkg/interfaces"
	"github.com/ahoma/depmgr/pkg/metrics"
)

// Environment is what a bundle receives when it starts
type Environment struct {
	Manager *component.Manager
	Admin   interfaces.ConfigurationAdmin
	Log     logr.Logger
	Metrics *metrics.Collector
}

// Bundle is a unit of components installed by the launcher
type Bundle interface {
	Name() string
	Start(ctx context.Context, env *Environment) error
	Stop(ctx context.Context) error
}

// Runnable is a background service that runs until its context is done
type Runnable interface {
	Start(ctx context.Context) error
}

// Readiness receives the runtime lifecycle
type Readiness interface {
	MarkStarted()
	SetNotReady(reason string)
}

// ConfigSource feeds configuration records to the admin
type ConfigSource interface {
	Sync() error
	Start(ctx context.Context) error
}

type namedRunnable struct {
	name string
	run  Runnable
}

// Launcher owns the runtime services for the life of the process
type Launcher struct {
	manager  *component.Manager
	admin    *configadmin.Admin
	log      logr.Logger
	metrics  *metrics.Collector
	health   Readiness
	shutdown *ShutdownConfig

	source      ConfigSource
	followFiles bool

	runnables []namedRunnable
	bundles   []Bundle

	mu       sync.Mutex
	started  []Bundle
	sm       *ShutdownManager
	failures chan error
}

// Option configures a Launcher
type Option func(*Launcher)

// WithLogger sets the launcher logger
func WithLogger(log logr.Logger) Option {
	return func(l *Launcher) {
		l.log = log
	}
}

// WithMetrics hands collector to the bundles
func WithMetrics(collector *metrics.Collector) Option {
	return func(l *Launcher) {
		l.metrics = collector
	}
}

// WithReadiness reports the lifecycle to r
func WithReadiness(r Readiness) Option {
	return func(l *Launcher) {
		l.health = r
	}
}

// WithShutdownConfig sets the shutdown configuration
func WithShutdownConfig(cfg *ShutdownConfig) Option {
	return func(l *Launcher) {
		l.shutdown = cfg
	}
}

// WithConfigSource loads records from src once at start. With follow set the
// source keeps running in the background.
func WithConfigSource(src ConfigSource, follow bool) Option {
	return func(l *Launcher) {
		l.source = src
		l.followFiles = follow
	}
}

// WithRunnable runs r in the background until shutdown
func WithRunnable(name string, r Runnable) Option {
	return func(l *Launcher) {
		l.runnables = append(l.runnables, namedRunnable{name: name, run: r})
	}
}

// WithBundles installs the bundles in order
func WithBundles(bundles ...Bundle) Option {
	return func(l *Launcher) {
		l.bundles = append(l.bundles, bundles...)
	}
}

// New creates a launcher for manager and admin
func New(manager *component.Manager, admin *configadmin.Admin, opts ...Option) *Launcher {
	l := &Launcher{
		manager:  manager,
		admin:    admin,
		log:      logr.Discard(),
		shutdown: DefaultShutdownConfig(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.WithName("launcher")
	return l
}

// AddBundle installs b on the next Run
func (l *Launcher) AddBundle(b Bundle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bundles = append(l.bundles, b)
}

// Run starts everything, waits for a shutdown signal or ctx to be done and
// then shuts down. A failing background service triggers the shutdown too.
func (l *Launcher) Run(ctx context.Context) error {
	// background services outlive ctx until their shutdown phase
	runCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBackground()

	trigger, fire := context.WithCancel(ctx)
	defer fire()

	var wg sync.WaitGroup
	l.sm = l.newShutdownManager(stopBackground, &wg)

	if err := l.admin.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start configuration admin: %w", err)
	}

	if l.source != nil {
		if l.followFiles {
			l.runnables = append(l.runnables, namedRunnable{name: "config-source", run: l.source})
		} else if err := l.source.Sync(); err != nil {
			l.log.Error(err, "Failed to load configuration records")
		}
	}

	l.failures = make(chan error, len(l.runnables))
	for _, r := range l.runnables {
		wg.Add(1)
		go func(r namedRunnable) {
			defer wg.Done()
			if err := r.run.Start(runCtx); err != nil {
				l.log.Error(err, "Background service failed", "service", r.name)
				l.failures <- fmt.Errorf("%s: %w", r.name, err)
				fire()
			}
		}(r)
	}

	if err := l.startBundles(runCtx); err != nil {
		return multierr.Append(err, l.sm.Shutdown("bundle failed to start"))
	}

	if l.health != nil {
		l.health.MarkStarted()
	}
	l.log.Info("Runtime started",
		"bundles", len(l.bundles),
		"components", len(l.manager.Components()),
	)

	errs := l.sm.Wait(trigger)
	for {
		select {
		case err := <-l.failures:
			errs = multierr.Append(errs, err)
		default:
			return errs
		}
	}
}

// ShutdownStatus returns the status of the last shutdown, nil before Run
func (l *Launcher) ShutdownStatus() *ShutdownStatus {
	if l.sm == nil {
		return nil
	}
	return l.sm.GetShutdownStatus()
}

func (l *Launcher) startBundles(ctx context.Context) error {
	l.mu.Lock()
	bundles := append([]Bundle(nil), l.bundles...)
	l.mu.Unlock()

	for _, b := range bundles {
		env := &Environment{
			Manager: l.manager,
			Admin:   l.admin,
			Log:     l.log.WithValues("bundle", b.Name()),
			Metrics: l.metrics,
		}
		if err := b.Start(ctx, env); err != nil {
			return fmt.Errorf("failed to start bundle %s: %w", b.Name(), err)
		}
		l.mu.Lock()
		l.started = append(l.started, b)
		l.mu.Unlock()
		l.log.Info("Bundle started", "bundle", b.Name())
	}
	return nil
}

// stopBundles stops the started bundles in reverse order
func (l *Launcher) stopBundles(ctx context.Context) error {
	l.mu.Lock()
	started := l.started
	l.started = nil
	l.mu.Unlock()

	var errs error
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("bundle %s: %w", started[i].Name(), err))
		}
	}
	return errs
}

func (l *Launcher) newShutdownManager(stopBackground context.CancelFunc, wg *sync.WaitGroup) *ShutdownManager {
	sm := NewShutdownManager(l.shutdown, l.log)

	if l.health != nil {
		sm.AddPhase("readiness", func(context.Context) error {
			l.health.SetNotReady("shutting down")
			return nil
		})
	}
	sm.AddPhase("bundles", l.stopBundles)
	sm.AddPhase("components", l.manager.Shutdown)
	sm.AddPhase("configadmin", func(context.Context) error {
		l.admin.Stop()
		return nil
	})
	sm.AddPhase("background", func(ctx context.Context) error {
		stopBackground()
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("background services did not stop: %w", ctx.Err())
		}
	})
	return sm
}
