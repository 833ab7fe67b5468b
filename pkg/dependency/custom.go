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
	"sort"
	"sync"

	"github.com/ahoma/depmgr/pkg/apis"
)

// CustomDependency is driven by application code. Candidates added before
// the dependency starts are seeded when it does.
type CustomDependency struct {
	base

	trackMu   sync.Mutex
	owner     Owner
	seq       int64
	candidate map[string]Event
}

var _ Dependency = &CustomDependency{}

// Custom declares an application-driven dependency
func Custom(name string, opts ...Option) *CustomDependency {
	return &CustomDependency{
		base:      newBase(KindCustom, newShape(name, false, opts)),
		candidate: make(map[string]Event),
	}
}

// Add makes a candidate available
func (d *CustomDependency) Add(key string, value any, props apis.Properties) error {
	return d.set(Add, key, value, props)
}

// Change replaces a candidate, adding it when unknown
func (d *CustomDependency) Change(key string, value any, props apis.Properties) error {
	return d.set(Change, key, value, props)
}

// Remove withdraws a candidate
func (d *CustomDependency) Remove(key string) error {
	d.trackMu.Lock()
	ev, ok := d.candidate[key]
	delete(d.candidate, key)
	owner := d.owner
	d.trackMu.Unlock()

	if !ok || owner == nil {
		return nil
	}
	return owner.Handle(d, Remove, ev)
}

func (d *CustomDependency) set(action Action, key string, value any, props apis.Properties) error {
	d.trackMu.Lock()
	prev, exists := d.candidate[key]
	order := prev.Order
	if !exists {
		d.seq++
		order = d.seq
	}
	ev := Event{
		Key:        key,
		Value:      value,
		Properties: props.Clone(),
		Ranking:    props.Int(apis.ServiceRanking, 0),
		Order:      order,
	}
	d.candidate[key] = ev
	owner := d.owner
	d.trackMu.Unlock()

	if owner == nil {
		return nil
	}
	return owner.Handle(d, action, ev)
}

// Start seeds the known candidates
func (d *CustomDependency) Start(owner Owner) error {
	d.begin()

	d.trackMu.Lock()
	d.owner = owner
	seeds := make([]Event, 0, len(d.candidate))
	for _, ev := range d.candidate {
		seeds = append(seeds, ev)
	}
	d.trackMu.Unlock()

	sort.Slice(seeds, func(i, j int) bool { return seeds[i].Order < seeds[j].Order })
	for _, ev := range seeds {
		d.seed(ev)
	}
	return nil
}

// Stop detaches the dependency from its owner. Known candidates are kept.
func (d *CustomDependency) Stop() {
	d.trackMu.Lock()
	d.owner = nil
	d.trackMu.Unlock()
	d.end()
}

// Copy returns an unstarted dependency with the same declaration and no candidates
func (d *CustomDependency) Copy() Dependency {
	return Custom(d.name, d.shape.options()...)
}
