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

// Package registry provides the in-process service registry the component
// runtime publishes into and tracks dependencies from. It offers the host
// capability set: register, unregister and update properties of a named
// contract implementation, look implementations up by filter, and be notified
// when matching implementations appear, change or disappear.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/ahoma/depmgr/pkg/apis"
	"github.com/ahoma/depmgr/pkg/metrics"
)

// ErrUnregistered is returned when operating on a registration that is gone
var ErrUnregistered = errors.New("service already unregistered")

// EventType describes what happened to a registration
type EventType int

const (
	// Registered means a matching registration appeared
	Registered EventType = iota
	// Modified means the properties of a matching registration changed
	Modified
	// ModifiedEndMatch means a registration no longer matches after a property change
	ModifiedEndMatch
	// Unregistering means a matching registration is going away
	Unregistering
)

func (t EventType) String() string {
	switch t {
	case Registered:
		return "registered"
	case Modified:
		return "modified"
	case ModifiedEndMatch:
		return "modified-endmatch"
	case Unregistering:
		return "unregistering"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners whose filter matches a registration
type Event struct {
	Type      EventType
	Reference *Reference
}

// Listener receives registry events. Listeners are called outside of the
// registry lock and may call back into the registry.
type Listener interface {
	ServiceChanged(ev Event)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(ev Event)

// ServiceChanged calls f
func (f ListenerFunc) ServiceChanged(ev Event) {
	f(ev)
}

// Registration is the handle returned to the publisher of a service
type Registration interface {
	// Reference returns the reference of the registered service
	Reference() *Reference
	// SetProperties replaces the published properties
	SetProperties(props apis.Properties) error
	// Unregister withdraws the service
	Unregister() error
}

// Host is the capability set the component runtime needs from its host
type Host interface {
	// Register publishes service under interfaces with properties
	Register(interfaces []string, props apis.Properties, service any) (Registration, error)
	// Lookup returns the matching references, best ranked first
	Lookup(filter *Filter) []*Reference
	// Subscribe delivers future events matching filter to l until cancel is called
	Subscribe(filter *Filter, l Listener) (cancel func())
}

// Reference describes a registered service
type Reference struct {
	id         int64
	interfaces []string
	service    any

	mu           sync.RWMutex
	properties   apis.Properties
	unregistered bool
}

// ID returns the registry-assigned identifier
func (r *Reference) ID() int64 {
	return r.id
}

// Interfaces returns the contracts the service is published under
func (r *Reference) Interfaces() []string {
	return append([]string(nil), r.interfaces...)
}

// Service returns the service object
func (r *Reference) Service() any {
	return r.service
}

// Properties returns a copy of the current service properties
func (r *Reference) Properties() apis.Properties {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.properties.Clone()
}

// Ranking returns the service.ranking property, 0 when unset
func (r *Reference) Ranking() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.properties.Int(apis.ServiceRanking, 0)
}

// IsUnregistered reports whether the service has been withdrawn
func (r *Reference) IsUnregistered() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.unregistered
}

// String returns a readable form of the reference
func (r *Reference) String() string {
	return fmt.Sprintf("%v#%d", r.interfaces, r.id)
}

// Less orders references best first: highest ranking, then earliest registration
func Less(a, b *Reference) bool {
	ra, rb := a.Ranking(), b.Ranking()
	if ra != rb {
		return ra > rb
	}
	return a.id < b.id
}

// SortReferences sorts refs best first
func SortReferences(refs []*Reference) {
	sort.SliceStable(refs, func(i, j int) bool { return Less(refs[i], refs[j]) })
}

type subscription struct {
	id       int64
	filter   *Filter
	listener Listener
}

// Registry is an in-memory Host implementation
type Registry struct {
	log     logr.Logger
	metrics *metrics.Collector

	nextService atomic.Int64
	nextSub     atomic.Int64

	mu            sync.RWMutex
	services      map[int64]*Reference
	subscriptions map[int64]*subscription
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the registry logger
func WithLogger(log logr.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithMetrics sets the metrics collector
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Registry) { r.metrics = c }
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		log:           logr.Discard(),
		services:      make(map[int64]*Reference),
		subscriptions: make(map[int64]*subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register publishes service under interfaces
func (r *Registry) Register(interfaces []string, props apis.Properties, service any) (Registration, error) {
	if len(interfaces) == 0 {
		return nil, fmt.Errorf("at least one interface is required")
	}
	if service == nil {
		return nil, fmt.Errorf("service object is required")
	}

	ref := &Reference{
		id:         r.nextService.Add(1),
		interfaces: append([]string(nil), interfaces...),
		service:    service,
	}
	ref.properties = stamp(props, ref)

	r.mu.Lock()
	r.services[ref.id] = ref
	count := len(r.services)
	subs := r.snapshotSubscriptions()
	r.mu.Unlock()

	r.metrics.SetRegistrations(count)
	r.log.V(1).Info("Service registered", "service", ref.String(), "ranking", ref.Ranking())

	for _, sub := range subs {
		if sub.filter.Matches(ref) {
			sub.listener.ServiceChanged(Event{Type: Registered, Reference: ref})
		}
	}

	return &registration{registry: r, ref: ref}, nil
}

// Lookup returns matching references sorted best first
func (r *Registry) Lookup(filter *Filter) []*Reference {
	r.mu.RLock()
	refs := make([]*Reference, 0, len(r.services))
	for _, ref := range r.services {
		if filter == nil || filter.Matches(ref) {
			refs = append(refs, ref)
		}
	}
	r.mu.RUnlock()

	SortReferences(refs)
	return refs
}

// Subscribe registers a listener for events matching filter
func (r *Registry) Subscribe(filter *Filter, l Listener) func() {
	sub := &subscription{
		id:       r.nextSub.Add(1),
		filter:   filter,
		listener: l,
	}

	r.mu.Lock()
	r.subscriptions[sub.id] = sub
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subscriptions, sub.id)
			r.mu.Unlock()
		})
	}
}

// Len returns the number of live registrations
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

func (r *Registry) snapshotSubscriptions() []*subscription {
	subs := make([]*subscription, 0, len(r.subscriptions))
	for _, s := range r.subscriptions {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	return subs
}

func (r *Registry) setProperties(ref *Reference, props apis.Properties) error {
	type delivery struct {
		sub *subscription
		ev  EventType
	}

	r.mu.Lock()
	if _, ok := r.services[ref.id]; !ok {
		r.mu.Unlock()
		return ErrUnregistered
	}
	subs := r.snapshotSubscriptions()
	before := make([]bool, len(subs))
	for i, sub := range subs {
		before[i] = sub.filter.Matches(ref)
	}
	ref.mu.Lock()
	ref.properties = stamp(props, ref)
	ref.mu.Unlock()
	deliveries := make([]delivery, 0, len(subs))
	for i, sub := range subs {
		after := sub.filter.Matches(ref)
		switch {
		case after:
			deliveries = append(deliveries, delivery{sub, Modified})
		case before[i]:
			deliveries = append(deliveries, delivery{sub, ModifiedEndMatch})
		}
	}
	r.mu.Unlock()

	r.log.V(1).Info("Service properties modified", "service", ref.String())

	for _, d := range deliveries {
		d.sub.listener.ServiceChanged(Event{Type: d.ev, Reference: ref})
	}
	return nil
}

func (r *Registry) unregister(ref *Reference) error {
	r.mu.Lock()
	if _, ok := r.services[ref.id]; !ok {
		r.mu.Unlock()
		return ErrUnregistered
	}
	delete(r.services, ref.id)
	count := len(r.services)
	ref.mu.Lock()
	ref.unregistered = true
	ref.mu.Unlock()
	subs := r.snapshotSubscriptions()
	r.mu.Unlock()

	r.metrics.SetRegistrations(count)
	r.log.V(1).Info("Service unregistered", "service", ref.String())

	for _, sub := range subs {
		if sub.filter.Matches(ref) {
			sub.listener.ServiceChanged(Event{Type: Unregistering, Reference: ref})
		}
	}
	return nil
}

// stamp copies props and adds the reserved registry keys
func stamp(props apis.Properties, ref *Reference) apis.Properties {
	out := props.Clone()
	out[apis.ServiceID] = ref.id
	out[apis.ObjectClass] = append([]string(nil), ref.interfaces...)
	return out
}

type registration struct {
	registry *Registry
	ref      *Reference
}

func (reg *registration) Reference() *Reference {
	return reg.ref
}

func (reg *registration) SetProperties(props apis.Properties) error {
	return reg.registry.setProperties(reg.ref, props)
}

func (reg *registration) Unregister() error {
	return reg.registry.unregister(reg.ref)
}
