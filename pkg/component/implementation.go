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
	"fmt"
	"sync"

	"github.com/ahoma/depmgr/pkg/apis"
	"github.com/ahoma/depmgr/pkg/dependency"
)

// Lifecycle hooks. An implementation opts into a hook by implementing its
// interface; SetCallbacks makes a hook mandatory.
type (
	// Initializer is called once per activation after the instance is created
	// and its required dependencies are injected. Dependencies added through
	// b are bound to the instance.
	Initializer interface {
		Init(b *Binder) error
	}

	// Starter is called before the component is published
	Starter interface {
		Start(ctx context.Context) error
	}

	// Stopper is called after the component is unpublished
	Stopper interface {
		Stop(ctx context.Context) error
	}

	// Destroyer is called before the instance is released
	Destroyer interface {
		Destroy(ctx context.Context) error
	}

	// Configurable accepts configuration settings
	Configurable = dependency.Configurable
)

// Binder is handed to Init. It is only valid until Init returns.
type Binder struct {
	c *Component

	mu     sync.Mutex
	deps   []dependency.Dependency
	closed bool
}

// Component returns the component being initialized
func (b *Binder) Component() *Component {
	return b.c
}

// Add declares dependencies bound to the instance being initialized
func (b *Binder) Add(deps ...dependency.Dependency) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: %s", apis.ErrInitFinished, b.c.id)
	}
	b.deps = append(b.deps, deps...)
	return nil
}

// close ends the binding and returns the dependencies added
func (b *Binder) close() []dependency.Dependency {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	deps := b.deps
	b.deps = nil
	return deps
}

// Hook names a lifecycle hook
type Hook string

// Lifecycle hooks that can be declared with SetCallbacks
const (
	HookInit      Hook = "init"
	HookStart     Hook = "start"
	HookStop      Hook = "stop"
	HookDestroy   Hook = "destroy"
	HookConfigure Hook = "configure"
)

// implementedBy reports whether target provides hook
func (h Hook) implementedBy(target any) bool {
	switch h {
	case HookInit:
		_, ok := target.(Initializer)
		return ok
	case HookStart:
		_, ok := target.(Starter)
		return ok
	case HookStop:
		_, ok := target.(Stopper)
		return ok
	case HookDestroy:
		_, ok := target.(Destroyer)
		return ok
	case HookConfigure:
		_, ok := target.(Configurable)
		return ok
	default:
		return false
	}
}

// verifyHooks fails when target lacks one of the declared hooks
func verifyHooks(target any, hooks []Hook) error {
	for _, h := range hooks {
		if !h.implementedBy(target) {
			return fmt.Errorf("%w: %T does not implement %s", apis.ErrMissingHook, target, h)
		}
	}
	return nil
}

// Factory produces implementation instances
type Factory interface {
	Create() (any, error)
}

// FactoryFunc adapts a function to Factory
type FactoryFunc func() (any, error)

// Create calls f
func (f FactoryFunc) Create() (any, error) {
	return f()
}

// Implementation describes how a component obtains its instance. Exactly one
// of Instance, Constructor or FromFactory is used per component.
type Implementation struct {
	instance    any
	constructor func() any
	factory     Factory
}

// Instance uses a shared instance that survives deactivation
func Instance(v any) Implementation {
	return Implementation{instance: v}
}

// Constructor creates a fresh instance on every activation
func Constructor(fn func() any) Implementation {
	return Implementation{constructor: fn}
}

// FromFactory asks f for a fresh instance on every activation
func FromFactory(f Factory) Implementation {
	return Implementation{factory: f}
}

// IsZero reports whether no implementation was configured
func (i Implementation) IsZero() bool {
	return i.instance == nil && i.constructor == nil && i.factory == nil
}

// Shared reports whether the instance is reused across activations
func (i Implementation) Shared() bool {
	return i.instance != nil
}

// Validate fails when no implementation was configured
func (i Implementation) Validate() error {
	n := 0
	for _, set := range []bool{i.instance != nil, i.constructor != nil, i.factory != nil} {
		if set {
			n++
		}
	}
	switch n {
	case 0:
		return apis.ErrNoImplementation
	case 1:
		return nil
	default:
		return fmt.Errorf("%w: exactly one of instance, constructor or factory is allowed", apis.ErrInstantiation)
	}
}

// Produce returns the instance for a new activation
func (i Implementation) Produce() (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", apis.ErrInstantiation, r)
		}
	}()

	switch {
	case i.instance != nil:
		v = i.instance
	case i.constructor != nil:
		v = i.constructor()
	case i.factory != nil:
		v, err = i.factory.Create()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apis.ErrInstantiation, err)
		}
	default:
		return nil, apis.ErrNoImplementation
	}

	if v == nil {
		return nil, fmt.Errorf("%w: producer returned nil", apis.ErrInstantiation)
	}
	return v, nil
}
