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

// Package adapter turns factory configuration records into components: one
// child component per configuration identity, created, reconfigured and
// removed as the records come and go.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/ahoma/depmgr/pkg/apis"
	"github.com/ahoma/depmgr/pkg/component"
	"github.com/ahoma/depmgr/pkg/dependency"
	"github.com/ahoma/depmgr/pkg/interfaces"
	"github.com/ahoma/depmgr/pkg/metatype"
	"github.com/ahoma/depmgr/pkg/metrics"
)

var (
	// ErrNoMetaType means the adapter was built without a descriptor
	ErrNoMetaType = errors.New("no metatype descriptor configured")

	// ErrStopped means the parent component is not active
	ErrStopped = errors.New("adapter stopped")
)

// Adapter is a factory configuration adapter. It is published as a
// ManagedServiceFactory for its factory PID and keeps one child component per
// configuration identity.
type Adapter struct {
	manager    *component.Manager
	factoryPID string
	log        logr.Logger
	metrics    *metrics.Collector

	interfaces     []string
	properties     apis.Properties
	impl           component.Implementation
	propagate      bool
	hooks          []component.Hook
	callbackTarget any
	composition    func(instance any) []any
	metaType       *metatype.Provider

	// template declaration copied onto every child
	tmplMu    sync.RWMutex
	deps      []dependency.Dependency
	listeners []component.StateListener

	parent *component.Component

	mu       sync.Mutex
	entries  map[string]*entry
	children map[string]*component.Component
	closed   bool
}

var _ interfaces.ManagedServiceFactory = (*Adapter)(nil)

// Option configures an Adapter
type Option func(*Adapter)

// WithInterfaces sets the contracts and static properties children are published with
func WithInterfaces(ifaces []string, props apis.Properties) Option {
	return func(a *Adapter) {
		a.interfaces = append([]string(nil), ifaces...)
		a.properties = props.Clone()
	}
}

// WithImplementation sets how child instances are produced
func WithImplementation(impl component.Implementation) Option {
	return func(a *Adapter) {
		a.impl = impl
	}
}

// WithPropagation controls whether public settings become child service
// properties. Propagation is on by default.
func WithPropagation(enabled bool) Option {
	return func(a *Adapter) {
		a.propagate = enabled
	}
}

// WithCallbacks declares the lifecycle hooks children must implement
func WithCallbacks(hooks ...component.Hook) Option {
	return func(a *Adapter) {
		a.hooks = append([]component.Hook(nil), hooks...)
	}
}

// WithCallbackTarget makes target receive the lifecycle hooks and settings of every child
func WithCallbackTarget(target any) Option {
	return func(a *Adapter) {
		a.callbackTarget = target
	}
}

// WithComposition sets the composition of every child
func WithComposition(fn func(instance any) []any) Option {
	return func(a *Adapter) {
		a.composition = fn
	}
}

// WithMetaType describes the accepted settings. Settings are completed with
// the declared defaults and checked before they reach a child.
func WithMetaType(p *metatype.Provider) Option {
	return func(a *Adapter) {
		a.metaType = p
	}
}

// WithLogger sets the adapter logger
func WithLogger(log logr.Logger) Option {
	return func(a *Adapter) {
		a.log = log
	}
}

// WithMetrics records the number of live children
func WithMetrics(c *metrics.Collector) Option {
	return func(a *Adapter) {
		a.metrics = c
	}
}

// New creates an adapter for factoryPID. It is inert until Publish.
func New(manager *component.Manager, factoryPID string, opts ...Option) *Adapter {
	a := &Adapter{
		manager:    manager,
		factoryPID: factoryPID,
		log:        manager.Logger(),
		propagate:  true,
		entries:    make(map[string]*entry),
		children:   make(map[string]*component.Component),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.WithValues("factory_pid", factoryPID)

	ifaces := []string{apis.ManagedServiceFactoryInterface}
	if a.metaType != nil {
		ifaces = append(ifaces, apis.MetaTypeProviderInterface)
	}
	a.parent = manager.CreateComponent().
		SetName(a.Name()).
		SetInterfaces(ifaces, apis.Properties{apis.ServicePID: factoryPID}).
		SetImplementation(component.Instance(a)).
		SetCallbacks(component.HookStop)
	return a
}

// Name returns the diagnostic name of the adapter
func (a *Adapter) Name() string {
	return "Adapter for factory pid " + a.factoryPID
}

// FactoryPID returns the factory identity served by the adapter
func (a *Adapter) FactoryPID() string {
	return a.factoryPID
}

// Component returns the parent component
func (a *Adapter) Component() *component.Component {
	return a.parent
}

// Add declares dependencies every child gets a copy of. Children created
// earlier are not affected.
func (a *Adapter) Add(deps ...dependency.Dependency) *Adapter {
	a.tmplMu.Lock()
	defer a.tmplMu.Unlock()
	a.deps = append(a.deps, deps...)
	return a
}

// AddStateListener registers l on every child created afterwards
func (a *Adapter) AddStateListener(l component.StateListener) *Adapter {
	a.tmplMu.Lock()
	defer a.tmplMu.Unlock()
	a.listeners = append(a.listeners, l)
	return a
}

// Publish adds the parent component to the manager
func (a *Adapter) Publish() error {
	if err := a.impl.Validate(); err != nil {
		return fmt.Errorf("adapter %s: %w", a.factoryPID, err)
	}
	return a.manager.Add(a.parent)
}

// Withdraw removes the parent component and with it every child
func (a *Adapter) Withdraw() error {
	return a.manager.Remove(a.parent)
}

// Start accepts children again after a Stop
func (a *Adapter) Start(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = false
	return nil
}

// Stop removes every child. It runs when the parent component deactivates.
// Children still being created are discarded.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	ids := make([]string, 0, len(a.children))
	for id := range a.children {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	var errs error
	for _, id := range ids {
		errs = multierr.Append(errs, a.Remove(ctx, id))
	}
	return errs
}

// Children returns the configuration identities with a live child, sorted
func (a *Adapter) Children() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.children))
	for id := range a.children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Child returns the child for id
func (a *Adapter) Child(id string) (*component.Component, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.children[id]
	return c, ok
}

// Updated creates or reconfigures the child for id
func (a *Adapter) Updated(ctx context.Context, id string, settings apis.Properties) error {
	return a.Update(ctx, id, settings)
}

// Deleted removes the child for id
func (a *Adapter) Deleted(ctx context.Context, id string) {
	if err := a.Remove(ctx, id); err != nil {
		a.log.Error(err, "Failed to remove child", "pid", id)
	}
}

// Create builds, configures and registers a child for id. A child that
// already exists is reconfigured instead. A stopped adapter refuses with
// ErrStopped; any other failure is returned as a configuration rejection.
func (a *Adapter) Create(ctx context.Context, id string, settings apis.Properties) error {
	e := a.acquire(id)
	defer a.release(id, e)

	if a.isClosed() {
		return fmt.Errorf("%w: %s", ErrStopped, id)
	}
	if e.child != nil {
		return a.update(ctx, id, e, settings)
	}
	return a.create(ctx, id, e, settings)
}

// Update reconfigures the child for id, creating it when unknown
func (a *Adapter) Update(ctx context.Context, id string, settings apis.Properties) error {
	return a.Create(ctx, id, settings)
}

// Remove deactivates and discards the child for id. Unknown ids are ignored.
func (a *Adapter) Remove(_ context.Context, id string) error {
	e := a.acquire(id)
	defer a.release(id, e)

	if e.child == nil {
		return nil
	}

	child := e.child
	e.child = nil
	e.instance = nil
	a.forget(id)

	if err := a.manager.Remove(child); err != nil && !errors.Is(err, apis.ErrUnknownComponent) {
		return fmt.Errorf("failed to remove child %s: %w", id, err)
	}
	a.log.V(1).Info("Child removed", "pid", id)
	return nil
}

func (a *Adapter) create(ctx context.Context, id string, e *entry, settings apis.Properties) error {
	settings, err := a.check(id, settings)
	if err != nil {
		return err
	}

	instance, err := a.impl.Produce()
	if err != nil {
		return apis.AsConfigurationError(id, err)
	}
	if err := a.configure(ctx, id, instance, settings); err != nil {
		return err
	}

	a.tmplMu.RLock()
	deps := append([]dependency.Dependency(nil), a.deps...)
	listeners := append([]component.StateListener(nil), a.listeners...)
	a.tmplMu.RUnlock()

	child := a.manager.CreateComponent().
		SetName(fmt.Sprintf("%s (%s)", a.factoryPID, id)).
		SetInterfaces(a.interfaces, MergeProperties(a.properties, settings, a.propagate)).
		SetImplementation(component.Instance(instance)).
		SetCallbacks(a.hooks...).
		SetComposition(a.composition)
	if a.callbackTarget != nil {
		child.SetCallbackTarget(a.callbackTarget)
	}
	for _, d := range deps {
		if err := child.Add(d.Copy()); err != nil {
			return apis.AsConfigurationError(id, err)
		}
	}
	for _, l := range listeners {
		child.AddStateListener(l)
	}

	if err := a.manager.Add(child); err != nil {
		if rmErr := a.manager.Remove(child); rmErr != nil && !errors.Is(rmErr, apis.ErrUnknownComponent) {
			a.log.V(1).Info("Ignoring failure while discarding child", "pid", id, "error", rmErr.Error())
		}
		return apis.AsConfigurationError(id, err)
	}

	if !a.remember(id, child) {
		if err := a.manager.Remove(child); err != nil && !errors.Is(err, apis.ErrUnknownComponent) {
			a.log.V(1).Info("Ignoring failure while discarding child", "pid", id, "error", err.Error())
		}
		return fmt.Errorf("%w: %s", ErrStopped, id)
	}
	e.child = child
	e.instance = instance
	a.log.V(1).Info("Child created", "pid", id, "component_id", child.ID())
	return nil
}

func (a *Adapter) update(ctx context.Context, id string, e *entry, settings apis.Properties) error {
	settings, err := a.check(id, settings)
	if err != nil {
		return err
	}

	err = e.child.Run(func(any) error {
		return a.configure(ctx, id, e.instance, settings)
	})
	if err != nil {
		return apis.AsConfigurationError(id, err)
	}

	if len(a.interfaces) > 0 && a.propagate {
		e.child.SetServiceProperties(MergeProperties(a.properties, settings, true))
	}
	a.log.V(1).Info("Child updated", "pid", id)
	return nil
}

// check completes settings with the declared defaults and validates them
func (a *Adapter) check(id string, settings apis.Properties) (apis.Properties, error) {
	if a.metaType == nil {
		return settings.Clone(), nil
	}
	desc := a.metaType.Descriptor()
	settings = desc.WithDefaults(settings)
	if err := desc.Check(settings); err != nil {
		return nil, apis.AsConfigurationError(id, err)
	}
	return settings, nil
}

// configure hands settings to the callback target, or to the instance
func (a *Adapter) configure(ctx context.Context, id string, instance any, settings apis.Properties) (err error) {
	target := a.callbackTarget
	if target == nil {
		target = instance
	}

	c, ok := target.(component.Configurable)
	if !ok {
		return &apis.ConfigurationError{PID: id, Reason: fmt.Sprintf("%T does not accept settings", target), Err: apis.ErrMissingHook}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &apis.ConfigurationError{PID: id, Err: fmt.Errorf("%w: panic: %v", apis.ErrCallback, r)}
		}
	}()
	if err := c.Configure(ctx, settings.Clone()); err != nil {
		return apis.AsConfigurationError(id, err)
	}
	return nil
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// remember adopts child unless the adapter stopped meanwhile
func (a *Adapter) remember(id string, child *component.Component) bool {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false
	}
	a.children[id] = child
	n := len(a.children)
	a.mu.Unlock()
	a.metrics.SetFactoryChildren(a.factoryPID, n)
	return true
}

func (a *Adapter) forget(id string) {
	a.mu.Lock()
	delete(a.children, id)
	n := len(a.children)
	a.mu.Unlock()
	a.metrics.SetFactoryChildren(a.factoryPID, n)
}

// Locales returns the locales of the settings description
func (a *Adapter) Locales() []string {
	if a.metaType == nil {
		return nil
	}
	return a.metaType.Locales()
}

// ObjectClassDefinition returns the localized settings description
func (a *Adapter) ObjectClassDefinition(id, locale string) (*metatype.ObjectClassDefinition, error) {
	if a.metaType == nil {
		return nil, ErrNoMetaType
	}
	return a.metaType.ObjectClassDefinition(id, locale)
}

// MergeProperties returns the service properties of a child: the static
// properties overlaid with the public settings. Settings are ignored when
// propagate is false.
func MergeProperties(static, settings apis.Properties, propagate bool) apis.Properties {
	out := static.Clone()
	if out == nil {
		out = apis.Properties{}
	}
	if !propagate {
		return out
	}
	for k, v := range settings {
		if apis.IsPrivateKey(k) {
			continue
		}
		out[k] = v
	}
	return out
}
