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

// Package dependency describes the collaborators a component needs before it
// can run and tracks, at runtime, which candidates currently match.
//
// A Dependency has an immutable shape (kind, filter, required flag, callbacks)
// and a mutable match set, its runtime context. The match set is only mutated
// by the owning component from inside its serial section through Apply; the
// dependency itself merely reports candidates to its Owner.
package dependency

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/go-logr/logr"

	"github.com/ahoma/depmgr/pkg/apis"
	"github.com/ahoma/depmgr/pkg/registry"
)

// Kind identifies the type of collaborator a dependency tracks
type Kind string

const (
	// KindService tracks services in the host registry
	KindService Kind = "service"
	// KindConfiguration tracks a configuration record keyed by a PID
	KindConfiguration Kind = "configuration"
	// KindResource tracks files in a watched directory
	KindResource Kind = "resource"
	// KindCustom is driven by application code
	KindCustom Kind = "custom"
)

// Action is a change to the match set of a dependency
type Action int

const (
	// Add means a new candidate matches
	Add Action = iota
	// Change means a matching candidate changed
	Change
	// Remove means a candidate no longer matches
	Remove
)

func (a Action) String() string {
	switch a {
	case Add:
		return "add"
	case Change:
		return "change"
	case Remove:
		return "remove"
	default:
		return "unknown"
	}
}

// Event is one candidate matching a dependency
type Event struct {
	// Key identifies the candidate within its dependency
	Key string

	// Value is the object injected into the component
	Value any

	// Properties describe the candidate
	Properties apis.Properties

	// Ranking orders competing candidates; higher wins
	Ranking int

	// Order breaks ranking ties; lower (earlier) wins
	Order int64

	// Reference is set for registry-backed candidates
	Reference *registry.Reference
}

// Less reports whether e should be preferred over other
func (e Event) Less(other Event) bool {
	if e.Ranking != other.Ranking {
		return e.Ranking > other.Ranking
	}
	return e.Order < other.Order
}

// Callback is invoked on a target object when a dependency changes. Targets
// that do not have the capability the callback needs are skipped by returning
// nil.
type Callback func(ctx context.Context, target any, ev Event) error

// Callbacks binds the add, change and remove callbacks of a dependency
type Callbacks struct {
	Added   Callback
	Changed Callback
	Removed Callback
}

func (cb Callbacks) get(action Action) Callback {
	switch action {
	case Add:
		return cb.Added
	case Change:
		return cb.Changed
	case Remove:
		return cb.Removed
	}
	return nil
}

func (cb Callbacks) empty() bool {
	return cb.Added == nil && cb.Changed == nil && cb.Removed == nil
}

// On adapts a function taking a typed target into a Callback. Targets that
// are not a T are skipped.
func On[T any](fn func(T, Event) error) Callback {
	return func(_ context.Context, target any, ev Event) error {
		t, ok := target.(T)
		if !ok {
			return nil
		}
		return fn(t, ev)
	}
}

// OnValue adapts a function taking a typed target and a typed candidate into
// a Callback. Targets that are not a T are skipped; a candidate that is not
// an S is an error.
func OnValue[T, S any](fn func(T, S) error) Callback {
	return func(_ context.Context, target any, ev Event) error {
		t, ok := target.(T)
		if !ok {
			return nil
		}
		var s S
		if ev.Value != nil {
			v, ok := ev.Value.(S)
			if !ok {
				return fmt.Errorf("%w: candidate %T is not a %s", apis.ErrCallback,
					ev.Value, reflect.TypeOf((*S)(nil)).Elem())
			}
			s = v
		}
		return fn(t, s)
	}
}

// Injectable is implemented by objects that accept the best match of their
// autoconfig dependencies. value is nil when the dependency has no match.
type Injectable interface {
	Inject(name string, value any)
}

// CollectionInjectable is implemented by objects that accept every match of
// their autoconfig dependencies, best first.
type CollectionInjectable interface {
	InjectAll(name string, values []any)
}

// Configurable is implemented by objects that accept configuration settings.
// Returning a *apis.ConfigurationError rejects the settings.
type Configurable interface {
	Configure(ctx context.Context, settings apis.Properties) error
}

// Owner is the component a dependency reports candidates to
type Owner interface {
	// ID returns the identity of the owning component
	ID() string

	// Host returns the registry the owner publishes into
	Host() registry.Host

	// Logger returns the owner's logger
	Logger() logr.Logger

	// Handle reports a candidate change. The owner applies it to the
	// dependency and re-evaluates its state.
	Handle(d Dependency, action Action, ev Event) error

	// Post reports a candidate change without applying it on the calling
	// goroutine. Goroutines started by a dependency report through Post,
	// since applying a change may stop the dependency and wait for them.
	Post(d Dependency, action Action, ev Event)
}

// Dependency is a declared requirement on an external collaborator together
// with its runtime match set
type Dependency interface {
	// Name identifies the dependency for injection and diagnostics
	Name() string

	// Kind returns the dependency kind
	Kind() Kind

	// IsRequired reports whether the dependency gates activation
	IsRequired() bool

	// IsAvailable reports whether at least one candidate matches
	IsAvailable() bool

	// IsSatisfied is true when the dependency is optional or available
	IsSatisfied() bool

	// IsAutoConfig reports whether matches are injected into Injectable targets
	IsAutoConfig() bool

	// IsPropagated reports whether candidate properties are published with the component
	IsPropagated() bool

	// IsInstanceBound reports whether the dependency was declared by the instance during Init
	IsInstanceBound() bool

	// SetInstanceBound marks the dependency as declared during Init
	SetInstanceBound(bound bool)

	// Matches reports whether ev satisfies the declared criteria
	Matches(ev Event) bool

	// Service returns the highest ranked match
	Service() (Event, bool)

	// Services returns every match, best first
	Services() []Event

	// Start begins tracking; current candidates are seeded without callbacks
	Start(owner Owner) error

	// Stop ends tracking and clears the match set
	Stop()

	// Apply mutates the match set and reports whether it changed
	Apply(action Action, ev Event) bool

	// Invoke runs the callback bound to action on every target. Autoconfig
	// injection is left to the owner, see Inject.
	Invoke(ctx context.Context, action Action, targets []any, ev Event) error

	// PropagatedProperties returns the properties to publish with the component
	PropagatedProperties() apis.Properties

	// Copy returns a dependency with the same shape and no runtime state
	Copy() Dependency
}

// Option customizes the shape of a dependency
type Option func(*shape)

// shape is the immutable declaration shared by every dependency kind
type shape struct {
	name       string
	required   bool
	autoConfig bool
	propagate  bool
	callbacks  Callbacks
	filter     string
	version    string
}

// Named overrides the dependency name
func Named(name string) Option {
	return func(s *shape) { s.name = name }
}

// Required makes the dependency gate activation
func Required() Option {
	return func(s *shape) { s.required = true }
}

// Optional makes the dependency optional
func Optional() Option {
	return func(s *shape) { s.required = false }
}

// AutoConfig toggles injection of matches into Injectable targets
func AutoConfig(enabled bool) Option {
	return func(s *shape) { s.autoConfig = enabled }
}

// Propagate publishes the properties of the best match with the component
func Propagate() Option {
	return func(s *shape) { s.propagate = true }
}

// WithCallbacks binds the add, change and remove callbacks
func WithCallbacks(added, changed, removed Callback) Option {
	return func(s *shape) {
		s.callbacks = Callbacks{Added: added, Changed: changed, Removed: removed}
	}
}

// WithFilter restricts a service dependency with a label selector over the
// service properties
func WithFilter(expr string) Option {
	return func(s *shape) { s.filter = expr }
}

// WithVersion restricts a service dependency with a semantic version constraint
func WithVersion(constraint string) Option {
	return func(s *shape) { s.version = constraint }
}

func newShape(name string, autoConfig bool, opts []Option) shape {
	s := shape{name: name, autoConfig: autoConfig}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// options turns a shape back into options, used by Copy
func (s shape) options() []Option {
	return []Option{func(dst *shape) { *dst = s }}
}

// base holds the match set and implements the kind-independent part of Dependency
type base struct {
	shape
	kind Kind

	mu            sync.RWMutex
	started       bool
	instanceBound bool
	matches       []Event
}

func newBase(kind Kind, s shape) base {
	return base{shape: s, kind: kind}
}

func (b *base) Name() string       { return b.name }
func (b *base) Kind() Kind         { return b.kind }
func (b *base) IsRequired() bool   { return b.required }
func (b *base) IsAutoConfig() bool { return b.autoConfig }
func (b *base) IsPropagated() bool { return b.propagate }

func (b *base) IsInstanceBound() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.instanceBound
}

func (b *base) SetInstanceBound(bound bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instanceBound = bound
}

func (b *base) IsAvailable() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.matches) > 0
}

func (b *base) IsSatisfied() bool {
	return !b.required || b.IsAvailable()
}

func (b *base) Matches(ev Event) bool {
	return ev.Key != ""
}

func (b *base) Service() (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.matches) == 0 {
		return Event{}, false
	}
	return b.matches[0], true
}

func (b *base) Services() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Event(nil), b.matches...)
}

// Apply is ignored while the dependency is not started, so late
// notifications from a stopped tracker never reach the match set.
func (b *base) Apply(action Action, ev Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return false
	}

	i := b.index(ev.Key)
	switch action {
	case Add:
		if i >= 0 {
			return false
		}
		b.matches = append(b.matches, ev)
	case Change:
		if i < 0 {
			b.matches = append(b.matches, ev)
		} else {
			b.matches[i] = ev
		}
	case Remove:
		if i < 0 {
			return false
		}
		b.matches = append(b.matches[:i], b.matches[i+1:]...)
	default:
		return false
	}

	sort.SliceStable(b.matches, func(i, j int) bool { return b.matches[i].Less(b.matches[j]) })
	return true
}

func (b *base) index(key string) int {
	for i, m := range b.matches {
		if m.Key == key {
			return i
		}
	}
	return -1
}

func (b *base) begin() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	b.matches = nil
}

func (b *base) end() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = false
	b.matches = nil
}

// seed adds an initial candidate without involving the owner
func (b *base) seed(ev Event) {
	b.Apply(Add, ev)
}

func (b *base) Invoke(ctx context.Context, action Action, targets []any, ev Event) error {
	cb := b.callbacks.get(action)
	if cb == nil {
		return nil
	}
	for _, target := range targets {
		if target == nil {
			continue
		}
		if err := cb(ctx, target, ev); err != nil {
			return err
		}
	}
	return nil
}

// Inject hands matches, best first, to the Injectable and
// CollectionInjectable targets. No matches inject nil.
func Inject(name string, targets []any, matches []Event) {
	var best any
	if len(matches) > 0 {
		best = matches[0].Value
	}
	all := make([]any, 0, len(matches))
	for _, m := range matches {
		all = append(all, m.Value)
	}

	for _, target := range targets {
		if inj, ok := target.(Injectable); ok {
			inj.Inject(name, best)
		}
		if inj, ok := target.(CollectionInjectable); ok {
			inj.InjectAll(name, all)
		}
	}
}

func (b *base) PropagatedProperties() apis.Properties {
	if !b.propagate {
		return nil
	}
	best, ok := b.Service()
	if !ok {
		return nil
	}
	out := best.Properties.Public()
	delete(out, apis.ServiceID)
	delete(out, apis.ObjectClass)
	return out
}

// String returns a readable form of the dependency
func (b *base) String() string {
	req := "optional"
	if b.required {
		req = "required"
	}
	return fmt.Sprintf("%s dependency %q (%s)", b.kind, b.name, req)
}
