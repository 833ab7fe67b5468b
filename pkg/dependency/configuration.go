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

package dependency

import (
	"context"
	"fmt"
	"sync"

	"github.com/ahoma/depmgr/pkg/apis"
	"github.com/ahoma/depmgr/pkg/interfaces"
	"github.com/ahoma/depmgr/pkg/registry"
)

// ConfigurationDependency is a required dependency on the configuration
// record identified by a PID. While started it publishes a ManagedService so
// the configuration admin can deliver settings to it.
type ConfigurationDependency struct {
	base
	pid string

	trackMu sync.Mutex
	owner   Owner
	reg     registry.Registration
}

var _ Dependency = &ConfigurationDependency{}
var _ interfaces.ManagedService = &ConfigurationDependency{}

// Configuration declares a dependency on the configuration record pid. When
// no callbacks are bound the settings are delivered through Configurable.
func Configuration(pid string, opts ...Option) *ConfigurationDependency {
	s := newShape(pid, false, opts)
	s.required = true
	if s.callbacks.empty() {
		s.callbacks = Callbacks{Added: Configure, Changed: Configure}
	}
	return &ConfigurationDependency{
		base: newBase(KindConfiguration, s),
		pid:  pid,
	}
}

// Configure delivers settings to Configurable targets
func Configure(ctx context.Context, target any, ev Event) error {
	c, ok := target.(Configurable)
	if !ok {
		return nil
	}
	return c.Configure(ctx, ev.Properties.Clone())
}

// PID returns the configuration identity
func (d *ConfigurationDependency) PID() string {
	return d.pid
}

// Settings returns the current settings, or nil before the first delivery
func (d *ConfigurationDependency) Settings() apis.Properties {
	ev, ok := d.Service()
	if !ok {
		return nil
	}
	return ev.Properties.Clone()
}

// Start publishes the ManagedService for the PID
func (d *ConfigurationDependency) Start(owner Owner) error {
	if d.pid == "" {
		return fmt.Errorf("configuration dependency: empty pid")
	}

	d.begin()

	d.trackMu.Lock()
	d.owner = owner
	d.trackMu.Unlock()

	reg, err := owner.Host().Register(
		[]string{apis.ManagedServiceInterface},
		apis.Properties{apis.ServicePID: d.pid},
		d,
	)
	if err != nil {
		d.Stop()
		return fmt.Errorf("configuration dependency %q: %w", d.pid, err)
	}

	d.trackMu.Lock()
	d.reg = reg
	d.trackMu.Unlock()
	return nil
}

// Stop withdraws the ManagedService
func (d *ConfigurationDependency) Stop() {
	d.trackMu.Lock()
	reg := d.reg
	d.reg = nil
	d.owner = nil
	d.trackMu.Unlock()

	if reg != nil {
		_ = reg.Unregister()
	}
	d.end()
}

// Updated receives settings from the configuration admin. nil settings mean
// the record was deleted. A *apis.ConfigurationError returned by the owning
// component's callbacks is passed back so the record can be marked invalid.
func (d *ConfigurationDependency) Updated(_ context.Context, settings apis.Properties) error {
	d.trackMu.Lock()
	owner := d.owner
	d.trackMu.Unlock()
	if owner == nil {
		return nil
	}

	ev := Event{Key: "configuration/" + d.pid}
	if settings == nil {
		return owner.Handle(d, Remove, ev)
	}

	ev.Value = settings.Clone()
	ev.Properties = settings.Clone()
	err := owner.Handle(d, Change, ev)
	if err != nil && apis.IsConfigurationError(err) {
		return apis.AsConfigurationError(d.pid, err)
	}
	return err
}

// PropagatedProperties returns the public settings when propagation is enabled
func (d *ConfigurationDependency) PropagatedProperties() apis.Properties {
	if !d.propagate {
		return nil
	}
	settings := d.Settings()
	if settings == nil {
		return nil
	}
	return settings.Public()
}

// Copy returns an unstarted dependency with the same declaration
func (d *ConfigurationDependency) Copy() Dependency {
	return Configuration(d.pid, d.shape.options()...)
}
