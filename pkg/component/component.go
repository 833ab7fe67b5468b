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

package component

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/ahoma/depmgr/pkg/apis"
	"github.com/ahoma/depmgr/pkg/dependency"
	"github.com/ahoma/depmgr/pkg/interfaces"
	"github.com/ahoma/depmgr/pkg/registry"
)

// Component is a managed unit whose activation is gated by its dependencies.
//
// Every event and every mutation of a component runs in its serial section,
// one at a time in arrival order. Setters are meant to be called before the
// component is added to its Manager.
type Component struct {
	id      string
	manager *Manager
	log     logr.Logger
	exec    *serialExecutor

	mu             sync.RWMutex
	name           string
	interfaces     []string
	properties     apis.Properties
	impl           Implementation
	hooks          []Hook
	callbackTarget any
	composition    func(instance any) []any
	deps           []dependency.Dependency
	listeners      []StateListener
	state          State
	instance       any
	registration   registry.Registration
	lastErr        error

	// serial section only
	started     bool
	failed      bool
	hookStarted bool
	lost        []lostMatch
}

// lostMatch is a removed match whose remove callback is still due
type lostMatch struct {
	dep dependency.Dependency
	ev  dependency.Event
}

// ID returns the component identity
func (c *Component) ID() string {
	return c.id
}

// Name returns the diagnostic name of the component
func (c *Component) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// SetName sets the diagnostic name of the component
func (c *Component) SetName(name string) *Component {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
	return c
}

// SetInterfaces sets the contracts the component is published under and its
// service properties. A component without interfaces is never published.
func (c *Component) SetInterfaces(interfaces []string, props apis.Properties) *Component {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interfaces = append([]string(nil), interfaces...)
	c.properties = props.Clone()
	return c
}

// SetImplementation sets how the component obtains its instance
func (c *Component) SetImplementation(impl Implementation) *Component {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.impl = impl
	return c
}

// SetCallbacks declares lifecycle hooks the instance must implement.
// Undeclared hooks are still invoked when implemented.
func (c *Component) SetCallbacks(hooks ...Hook) *Component {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append([]Hook(nil), hooks...)
	return c
}

// SetCallbackTarget makes target, instead of the instance, receive the
// lifecycle hooks. target also receives dependency callbacks.
func (c *Component) SetCallbackTarget(target any) *Component {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbackTarget = target
	return c
}

// SetComposition sets the objects that receive dependency callbacks and
// injections in place of the bare instance
func (c *Component) SetComposition(fn func(instance any) []any) *Component {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.composition = fn
	return c
}

// AddStateListener registers l for state changes
func (c *Component) AddStateListener(l StateListener) *Component {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
	return c
}

// RemoveStateListener unregisters l
func (c *Component) RemoveStateListener(l StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.listeners {
		if existing == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// StateListeners returns the registered state listeners
func (c *Component) StateListeners() []StateListener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]StateListener(nil), c.listeners...)
}

// State returns the current lifecycle state
func (c *Component) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Instance returns the current instance, nil while not instantiated
func (c *Component) Instance() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instance
}

// LastError returns the last failure reported for the component
func (c *Component) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Dependencies returns the declared dependencies, instance-bound ones included
func (c *Component) Dependencies() []dependency.Dependency {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]dependency.Dependency(nil), c.deps...)
}

// Interfaces returns the contracts the component is published under
func (c *Component) Interfaces() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.interfaces...)
}

// ServiceProperties returns the declared service properties
func (c *Component) ServiceProperties() apis.Properties {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.properties.Clone()
}

// Registration returns the registry handle while published
func (c *Component) Registration() registry.Registration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registration
}

// IsPublished reports whether the component is registered with the host
func (c *Component) IsPublished() bool {
	return c.Registration() != nil
}

// SetServiceProperties replaces the declared service properties and updates
// the registration while published
func (c *Component) SetServiceProperties(props apis.Properties) {
	props = props.Clone()
	c.exec.execute(func() {
		c.mu.Lock()
		c.properties = props
		c.mu.Unlock()
		c.refreshProperties()
	})
}

// Run calls fn with the current instance, which may be nil, inside the
// serial section and waits for it. It must not be called from the
// component's own callbacks.
func (c *Component) Run(fn func(instance any) error) error {
	var err error
	c.exec.executeAndWait(func() {
		err = safeCall(func() error { return fn(c.Instance()) })
	})
	return err
}

// Add declares dependencies. Required dependencies cannot be added once the
// component is instantiated. Init binds dependencies to the instance through
// its Binder instead.
func (c *Component) Add(deps ...dependency.Dependency) error {
	if c.State().level() >= InstantiatedAndWaitingForStart.level() {
		for _, d := range deps {
			if d.IsRequired() {
				return fmt.Errorf("%w: %s", apis.ErrRequiredAfterStart, d.Name())
			}
		}
	}

	c.exec.execute(func() { c.addDependencies(deps) })
	return nil
}

// Remove withdraws a dependency
func (c *Component) Remove(d dependency.Dependency) {
	c.exec.execute(func() { c.removeDependency(d) })
}

// Copy returns a new inactive component, owned by the same manager, with the
// same declaration. Dependencies are deep-copied and listeners are shared.
func (c *Component) Copy() *Component {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := c.manager.CreateComponent()
	out.name = c.name
	out.interfaces = append([]string(nil), c.interfaces...)
	out.properties = c.properties.Clone()
	out.impl = c.impl
	out.hooks = append([]Hook(nil), c.hooks...)
	out.callbackTarget = c.callbackTarget
	out.composition = c.composition
	out.listeners = append([]StateListener(nil), c.listeners...)
	for _, d := range c.deps {
		if !d.IsInstanceBound() {
			out.deps = append(out.deps, d.Copy())
		}
	}
	return out
}

// Status returns a read-only view of the component
func (c *Component) Status() interfaces.ComponentStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := interfaces.ComponentStatus{
		ID:         c.id,
		Name:       c.name,
		State:      c.state.String(),
		Published:  c.registration != nil,
		Interfaces: append([]string(nil), c.interfaces...),
		Properties: c.properties.Clone(),
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}
	for _, d := range c.deps {
		status.Dependencies = append(status.Dependencies, interfaces.DependencyStatus{
			Name:          d.Name(),
			Kind:          string(d.Kind()),
			Required:      d.IsRequired(),
			Available:     d.IsAvailable(),
			InstanceBound: d.IsInstanceBound(),
			Matches:       len(d.Services()),
		})
	}
	return status
}

// String returns a readable form of the component
func (c *Component) String() string {
	return fmt.Sprintf("%s (%s)", c.Name(), c.id)
}

func (c *Component) ctx() context.Context {
	return logr.NewContext(c.manager.ctx, c.log)
}

func (c *Component) owner() dependency.Owner {
	return componentOwner{c}
}

// componentOwner routes dependency notifications into the serial section.
// Configuration deliveries wait for the outcome so a rejection reaches the
// configuration admin; everything else is fire and forget.
type componentOwner struct {
	c *Component
}

func (o componentOwner) ID() string { return o.c.id }

func (o componentOwner) Host() registry.Host { return o.c.manager.host }

func (o componentOwner) Logger() logr.Logger { return o.c.log }

func (o componentOwner) Handle(d dependency.Dependency, action dependency.Action, ev dependency.Event) error {
	if d.Kind() == dependency.KindConfiguration {
		var err error
		o.c.exec.executeAndWait(func() { err = o.c.handle(d, action, ev) })
		return err
	}
	o.c.exec.execute(func() { _ = o.c.handle(d, action, ev) })
	return nil
}

func (o componentOwner) Post(d dependency.Dependency, action dependency.Action, ev dependency.Event) {
	o.c.exec.post(func() { _ = o.c.handle(d, action, ev) })
}

// handle applies a dependency change and re-evaluates the component
func (c *Component) handle(d dependency.Dependency, action dependency.Action, ev dependency.Event) error {
	if !c.hasDependency(d) {
		return nil
	}

	prev, hadPrev := findMatch(d.Services(), ev.Key)
	if action == dependency.Change && !hadPrev {
		action = dependency.Add
	}
	if !d.Apply(action, ev) {
		return nil
	}
	if action == dependency.Remove {
		ev = prev
	}

	err := c.dependencyChanged(d, action, ev)
	if err == nil {
		return nil
	}

	if d.Kind() == dependency.KindConfiguration && action != dependency.Remove && apis.IsConfigurationError(err) {
		// Rejected settings never become current: restore the previous match.
		if hadPrev {
			d.Apply(dependency.Change, prev)
		} else {
			d.Apply(dependency.Remove, ev)
		}
		c.setLastError(err)
		c.log.Info("Configuration rejected", "dependency", d.Name(), "reason", err.Error())
		if stepErr := c.step(); stepErr != nil {
			c.fail(stepErr)
		}
		return err
	}

	c.fail(err)
	return err
}

func (c *Component) dependencyChanged(d dependency.Dependency, action dependency.Action, ev dependency.Event) error {
	tracked := c.isTracked(d)

	switch action {
	case dependency.Add, dependency.Change:
		if tracked {
			if err := c.invoke(d, action, ev, false); err != nil {
				return err
			}
		}
	case dependency.Remove:
		if tracked {
			c.lost = append(c.lost, lostMatch{dep: d, ev: ev})
		}
	}

	if err := c.step(); err != nil {
		return err
	}

	if action == dependency.Remove {
		for _, m := range c.takeLost(d) {
			if err := c.invoke(m.dep, dependency.Remove, m.ev, false); err != nil {
				return err
			}
		}
	}

	if d.IsPropagated() {
		c.refreshProperties()
	}
	return nil
}

// isTracked reports whether the instance already received the callbacks of d
func (c *Component) isTracked(d dependency.Dependency) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.instance == nil {
		return false
	}
	switch {
	case c.state.IsActive():
		return true
	case c.state == InstantiatedAndWaitingForStart:
		return d.IsRequired() && !d.IsInstanceBound()
	default:
		return false
	}
}

// target computes the state the component should be in
func (c *Component) target() State {
	if !c.started || c.failed {
		return Inactive
	}

	deps := c.Dependencies()
	for _, d := range deps {
		if !d.IsInstanceBound() && !d.IsSatisfied() {
			return WaitingForRequired
		}
	}
	for _, d := range deps {
		if d.IsInstanceBound() && !d.IsSatisfied() {
			return InstantiatedAndWaitingForStart
		}
	}
	return c.activeState()
}

func (c *Component) activeState() State {
	for _, d := range c.Dependencies() {
		if !d.IsRequired() && !d.IsAvailable() {
			return Instantiated
		}
	}
	return TrackingOptional
}

// step moves the component one transition at a time towards its target
func (c *Component) step() error {
	for {
		target := c.target()
		current := c.State()

		if target.level() == current.level() {
			if target != current {
				c.setState(target)
			}
			return nil
		}

		var err error
		if target.level() > current.level() {
			err = c.up(current)
		} else {
			err = c.down(current)
		}
		if err != nil {
			return err
		}
	}
}

// up performs the transition out of current towards activation. On error
// the state is left unchanged.
func (c *Component) up(current State) error {
	switch current {
	case Inactive, Destroyed:
		if err := c.startDependencies(); err != nil {
			return err
		}
		c.setState(WaitingForRequired)
	case WaitingForRequired:
		if err := c.instantiate(); err != nil {
			return err
		}
		c.setState(InstantiatedAndWaitingForStart)
	case InstantiatedAndWaitingForStart:
		if err := c.activate(); err != nil {
			return err
		}
		c.setState(c.activeState())
	}
	return nil
}

// down performs the transition out of current towards Inactive. It always
// completes and returns every failure it met.
func (c *Component) down(current State) error {
	var err error
	switch {
	case current.IsActive():
		err = c.deactivate()
		c.setState(InstantiatedAndWaitingForStart)
	case current == InstantiatedAndWaitingForStart:
		err = c.destroy()
		c.setState(WaitingForRequired)
	case current == WaitingForRequired:
		c.stopDependencies()
		c.setState(Inactive)
	}
	return err
}

func (c *Component) startDependencies() error {
	var started []dependency.Dependency
	for _, d := range c.Dependencies() {
		if d.IsInstanceBound() {
			continue
		}
		if err := d.Start(c.owner()); err != nil {
			for _, s := range started {
				s.Stop()
			}
			return c.wrap("start-dependencies", err)
		}
		started = append(started, d)
	}
	return nil
}

func (c *Component) stopDependencies() {
	for _, d := range c.Dependencies() {
		d.Stop()
	}
	c.lost = nil
}

// instantiate creates the instance, delivers the required dependencies and
// runs Init. On error the instance is released without further callbacks.
func (c *Component) instantiate() error {
	c.mu.RLock()
	impl, hooks := c.impl, c.hooks
	c.mu.RUnlock()

	instance, err := impl.Produce()
	if err != nil {
		return c.wrap("instantiate", err)
	}

	c.mu.Lock()
	c.instance = instance
	c.mu.Unlock()

	if err := verifyHooks(c.hookTarget(), hooks); err != nil {
		c.release()
		return c.wrap("instantiate", err)
	}

	for _, d := range c.Dependencies() {
		if !d.IsRequired() || d.IsInstanceBound() {
			continue
		}
		if err := c.invokeAll(d, dependency.Add); err != nil {
			c.release()
			return err
		}
	}

	if init, ok := c.hookTarget().(Initializer); ok {
		b := &Binder{c: c}
		err := safeCall(func() error { return init.Init(b) })
		pending := b.close()

		if err != nil {
			c.release()
			return c.wrap("init", err)
		}

		for _, d := range pending {
			d.SetInstanceBound(true)
			if err := d.Start(c.owner()); err != nil {
				c.release()
				return c.wrap("init", err)
			}
			c.mu.Lock()
			c.deps = append(c.deps, d)
			c.mu.Unlock()
		}
	}
	return nil
}

// activate delivers instance-bound and optional dependencies, runs Start and
// publishes the component. On error the work done so far is undone.
func (c *Component) activate() error {
	deps := c.Dependencies()

	for _, d := range deps {
		if d.IsInstanceBound() {
			if err := c.invokeAll(d, dependency.Add); err != nil {
				c.unactivate()
				return err
			}
		}
	}

	if starter, ok := c.hookTarget().(Starter); ok {
		if err := safeCall(func() error { return starter.Start(c.ctx()) }); err != nil {
			c.unactivate()
			return c.wrap("start", err)
		}
	}
	c.hookStarted = true

	for _, d := range deps {
		if !d.IsRequired() && !d.IsInstanceBound() {
			if err := c.invokeAll(d, dependency.Add); err != nil {
				c.unactivate()
				return err
			}
		}
	}

	if err := c.publish(); err != nil {
		c.unactivate()
		return c.wrap("publish", err)
	}
	return nil
}

// unactivate reverts a partial activation, ignoring further failures
func (c *Component) unactivate() {
	if err := c.deactivate(); err != nil {
		c.log.V(1).Info("Ignoring failure while reverting activation", "error", err.Error())
	}
}

// deactivate unpublishes, runs Stop and removes instance-bound and optional
// dependencies
func (c *Component) deactivate() error {
	var errs error

	c.mu.Lock()
	reg := c.registration
	c.registration = nil
	c.mu.Unlock()
	if reg != nil {
		if err := reg.Unregister(); err != nil && !errors.Is(err, registry.ErrUnregistered) {
			errs = multierr.Append(errs, c.wrap("unpublish", err))
		}
	}

	if c.hookStarted {
		c.hookStarted = false
		if stopper, ok := c.hookTarget().(Stopper); ok {
			if err := safeCall(func() error { return stopper.Stop(c.ctx()) }); err != nil {
				errs = multierr.Append(errs, c.wrap("stop", err))
			}
		}
	}

	for _, d := range c.Dependencies() {
		if d.IsInstanceBound() || !d.IsRequired() {
			errs = multierr.Append(errs, c.removeAll(d))
		}
	}
	return errs
}

// destroy removes required dependencies, runs Destroy and releases the instance
func (c *Component) destroy() error {
	var errs error

	for _, d := range c.Dependencies() {
		if d.IsRequired() && !d.IsInstanceBound() {
			errs = multierr.Append(errs, c.removeAll(d))
		}
	}

	if destroyer, ok := c.hookTarget().(Destroyer); ok {
		if err := safeCall(func() error { return destroyer.Destroy(c.ctx()) }); err != nil {
			errs = multierr.Append(errs, c.wrap("destroy", err))
		}
	}

	c.release()
	return errs
}

// release drops the instance and the dependencies bound to it
func (c *Component) release() {
	c.mu.Lock()
	kept := c.deps[:0:0]
	var bound []dependency.Dependency
	for _, d := range c.deps {
		if d.IsInstanceBound() {
			bound = append(bound, d)
			continue
		}
		kept = append(kept, d)
	}
	c.deps = kept
	c.instance = nil
	c.mu.Unlock()

	for _, d := range bound {
		d.Stop()
		c.takeLost(d)
	}
	c.hookStarted = false
}

func (c *Component) publish() error {
	c.mu.RLock()
	ifaces := append([]string(nil), c.interfaces...)
	instance := c.instance
	c.mu.RUnlock()

	if len(ifaces) == 0 {
		return nil
	}

	reg, err := c.manager.host.Register(ifaces, c.publishedProperties(), instance)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.registration = reg
	c.mu.Unlock()
	return nil
}

// publishedProperties overlays the declared service properties on the
// properties propagated by dependencies
func (c *Component) publishedProperties() apis.Properties {
	out := apis.Properties{}
	for _, d := range c.Dependencies() {
		if d.IsPropagated() && d.IsAvailable() {
			out = out.Merge(d.PropagatedProperties())
		}
	}
	return out.Merge(c.ServiceProperties())
}

func (c *Component) refreshProperties() {
	reg := c.Registration()
	if reg == nil {
		return
	}
	if err := reg.SetProperties(c.publishedProperties()); err != nil && !errors.Is(err, registry.ErrUnregistered) {
		c.log.Error(err, "Failed to update service properties")
	}
}

// invokeAll delivers every current match of d
func (c *Component) invokeAll(d dependency.Dependency, action dependency.Action) error {
	for _, ev := range d.Services() {
		if err := c.invoke(d, action, ev, false); err != nil {
			return err
		}
	}
	return nil
}

// removeAll runs the remove callbacks for every current and lost match of d
func (c *Component) removeAll(d dependency.Dependency) error {
	events := d.Services()
	for _, m := range c.takeLost(d) {
		events = append(events, m.ev)
	}

	var errs error
	for _, ev := range events {
		errs = multierr.Append(errs, c.invoke(d, dependency.Remove, ev, true))
	}
	return errs
}

// invoke injects autoconfig dependencies and runs the callback bound to
// action. While deactivating, autoconfig targets are cleared.
func (c *Component) invoke(d dependency.Dependency, action dependency.Action, ev dependency.Event, deactivating bool) error {
	targets := c.targets()

	if d.IsAutoConfig() {
		matches := d.Services()
		if deactivating {
			matches = nil
		}
		dependency.Inject(d.Name(), targets, matches)
	}

	err := safeCall(func() error { return d.Invoke(c.ctx(), action, targets, ev) })
	if err != nil {
		if apis.IsConfigurationError(err) {
			return err
		}
		return c.wrap(fmt.Sprintf("%s %s", action, d.Name()), fmt.Errorf("%w: %w", apis.ErrCallback, err))
	}
	return nil
}

func (c *Component) takeLost(d dependency.Dependency) []lostMatch {
	var taken []lostMatch
	kept := c.lost[:0]
	for _, m := range c.lost {
		if m.dep == d {
			taken = append(taken, m)
			continue
		}
		kept = append(kept, m)
	}
	c.lost = kept
	return taken
}

func (c *Component) hookTarget() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.callbackTarget != nil {
		return c.callbackTarget
	}
	return c.instance
}

// targets returns the objects receiving dependency callbacks
func (c *Component) targets() []any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []any
	if c.callbackTarget != nil {
		out = append(out, c.callbackTarget)
	}
	if c.composition != nil {
		return append(out, c.composition(c.instance)...)
	}
	return append(out, c.instance)
}

func (c *Component) addDependencies(deps []dependency.Dependency) {
	for _, d := range deps {
		if d.IsRequired() && c.State().level() >= InstantiatedAndWaitingForStart.level() {
			c.log.Error(apis.ErrRequiredAfterStart, "Ignoring dependency", "dependency", d.Name())
			continue
		}

		c.mu.Lock()
		c.deps = append(c.deps, d)
		c.mu.Unlock()

		if c.State().level() < WaitingForRequired.level() {
			continue
		}
		if err := d.Start(c.owner()); err != nil {
			c.fail(c.wrap("start-dependencies", err))
			return
		}
		if c.isTracked(d) {
			if err := c.invokeAll(d, dependency.Add); err != nil {
				c.fail(err)
				return
			}
		}
	}

	if err := c.step(); err != nil {
		c.fail(err)
		return
	}
	c.refreshProperties()
}

func (c *Component) removeDependency(d dependency.Dependency) {
	if !c.hasDependency(d) {
		return
	}

	var err error
	if c.isTracked(d) {
		err = c.removeAll(d)
	}
	d.Stop()
	c.takeLost(d)

	c.mu.Lock()
	for i, existing := range c.deps {
		if existing == d {
			c.deps = append(c.deps[:i], c.deps[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if err == nil {
		err = c.step()
	}
	if err != nil {
		c.fail(err)
		return
	}
	c.refreshProperties()
}

func (c *Component) hasDependency(d dependency.Dependency) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, existing := range c.deps {
		if existing == d {
			return true
		}
	}
	return false
}

// activateInitial is the first evaluation after the component was added
func (c *Component) activateInitial() error {
	c.started = true
	c.failed = false
	if c.State() == Destroyed {
		c.setState(Inactive)
	}
	if err := c.step(); err != nil {
		c.fail(err)
		return c.LastError()
	}
	return nil
}

// shutdown deactivates the component for good
func (c *Component) shutdown() error {
	c.started = false

	var errs error
	for c.State().level() > 0 {
		errs = multierr.Append(errs, c.down(c.State()))
	}
	c.setState(Destroyed)

	if errs != nil {
		c.setLastError(errs)
		c.manager.report(c, errs)
	}
	return errs
}

// fail records a fatal failure, unwinds the component to Inactive and
// reports the failure to the manager
func (c *Component) fail(err error) {
	c.failed = true
	c.setLastError(err)

	for c.State().level() > 0 {
		if downErr := c.down(c.State()); downErr != nil {
			c.log.V(1).Info("Ignoring failure while unwinding", "error", downErr.Error())
		}
	}

	c.manager.report(c, err)
}

func (c *Component) setLastError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

func (c *Component) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	listeners := append([]StateListener(nil), c.listeners...)
	c.mu.Unlock()

	if prev == s {
		return
	}

	c.manager.metrics.RecordTransition(prev.String(), s.String())
	c.log.V(1).Info("Component state changed", "from", prev.String(), "to", s.String())

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error(fmt.Errorf("panic: %v", r), "State listener panicked")
				}
			}()
			l.ChangedState(c, s)
		}()
	}
}

func (c *Component) wrap(op string, err error) error {
	var ce *apis.ComponentError
	if errors.As(err, &ce) || apis.IsConfigurationError(err) {
		return err
	}
	return &apis.ComponentError{Component: c.id, Op: op, Err: err}
}

// safeCall runs fn and turns a panic into an error
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", apis.ErrCallback, r)
		}
	}()
	return fn()
}

func findMatch(matches []dependency.Event, key string) (dependency.Event, bool) {
	for _, m := range matches {
		if m.Key == key {
			return m, true
		}
	}
	return dependency.Event{}, false
}
