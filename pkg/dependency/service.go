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
	"fmt"
	"sync"

	"github.com/ahoma/depmgr/pkg/registry"
)

// ServiceDependency tracks services published in the host registry under a
// contract name, optionally narrowed by a property filter and a version
// constraint.
type ServiceDependency struct {
	base
	iface string

	trackMu sync.Mutex
	parsed  *registry.Filter
	owner   Owner
	cancel  func()
}

var _ Dependency = &ServiceDependency{}

// Service declares a dependency on the contract iface. Service dependencies
// are optional and autoconfig unless configured otherwise.
func Service(iface string, opts ...Option) *ServiceDependency {
	return &ServiceDependency{
		base:  newBase(KindService, newShape(iface, true, opts)),
		iface: iface,
	}
}

// Interface returns the tracked contract name
func (d *ServiceDependency) Interface() string {
	return d.iface
}

// Filter returns the parsed filter, or an error when the declaration is malformed
func (d *ServiceDependency) Filter() (*registry.Filter, error) {
	return registry.NewFilter(d.iface, d.shape.filter, d.shape.version)
}

// Matches reports whether a registry candidate satisfies the filter
func (d *ServiceDependency) Matches(ev Event) bool {
	if ev.Reference == nil {
		return false
	}
	f, err := d.currentFilter()
	if err != nil {
		return false
	}
	return f.Matches(ev.Reference)
}

func (d *ServiceDependency) currentFilter() (*registry.Filter, error) {
	d.trackMu.Lock()
	f := d.parsed
	d.trackMu.Unlock()
	if f != nil {
		return f, nil
	}
	return d.Filter()
}

// Start subscribes to the registry and seeds the current matches
func (d *ServiceDependency) Start(owner Owner) error {
	f, err := d.Filter()
	if err != nil {
		return fmt.Errorf("service dependency %q: %w", d.name, err)
	}

	d.begin()

	d.trackMu.Lock()
	d.parsed = f
	d.owner = owner
	d.trackMu.Unlock()

	host := owner.Host()
	cancel := host.Subscribe(f, d)

	d.trackMu.Lock()
	d.cancel = cancel
	d.trackMu.Unlock()

	for _, ref := range host.Lookup(f) {
		if ref.IsUnregistered() {
			continue
		}
		d.seed(eventFor(ref))
	}
	return nil
}

// Stop cancels the registry subscription
func (d *ServiceDependency) Stop() {
	d.trackMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.owner = nil
	d.trackMu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.end()
}

// ServiceChanged receives registry events for the subscribed filter
func (d *ServiceDependency) ServiceChanged(ev registry.Event) {
	d.trackMu.Lock()
	owner := d.owner
	d.trackMu.Unlock()
	if owner == nil {
		return
	}

	var action Action
	switch ev.Type {
	case registry.Registered:
		action = Add
	case registry.Modified:
		action = Change
	case registry.ModifiedEndMatch, registry.Unregistering:
		action = Remove
	default:
		return
	}

	if err := owner.Handle(d, action, eventFor(ev.Reference)); err != nil {
		owner.Logger().V(1).Info("Service event handling failed",
			"dependency", d.name, "service", ev.Reference.String(), "error", err.Error())
	}
}

// Copy returns an unstarted dependency with the same declaration
func (d *ServiceDependency) Copy() Dependency {
	return Service(d.iface, d.shape.options()...)
}

func eventFor(ref *registry.Reference) Event {
	return Event{
		Key:        fmt.Sprintf("service/%d", ref.ID()),
		Value:      ref.Service(),
		Properties: ref.Properties(),
		Ranking:    ref.Ranking(),
		Order:      ref.ID(),
		Reference:  ref,
	}
}
