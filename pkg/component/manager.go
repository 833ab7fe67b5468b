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
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/ahoma/depmgr/pkg/apis"
	"github.com/ahoma/depmgr/pkg/interfaces"
	"github.com/ahoma/depmgr/pkg/metrics"
	"github.com/ahoma/depmgr/pkg/registry"
)

// ErrorHandler is called for every failure reported by a component
type ErrorHandler func(c *Component, err error)

// Manager owns a set of components and evaluates them against a host
type Manager struct {
	host     registry.Host
	log      logr.Logger
	metrics  *metrics.Collector
	onError  ErrorHandler
	ctx      context.Context
	shutdown bool

	mu         sync.RWMutex
	components map[string]*Component
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithLogger sets the manager logger
func WithLogger(log logr.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = log
	}
}

// WithMetrics records component transitions and failures in collector
func WithMetrics(collector *metrics.Collector) ManagerOption {
	return func(m *Manager) {
		m.metrics = collector
	}
}

// WithErrorHandler sets the handler receiving component failures
func WithErrorHandler(h ErrorHandler) ManagerOption {
	return func(m *Manager) {
		m.onError = h
	}
}

// WithContext sets the context handed to lifecycle hooks
func WithContext(ctx context.Context) ManagerOption {
	return func(m *Manager) {
		m.ctx = ctx
	}
}

// NewManager creates a manager publishing components to host
func NewManager(host registry.Host, opts ...ManagerOption) *Manager {
	m := &Manager{
		host:       host,
		log:        logr.Discard(),
		ctx:        context.Background(),
		components: make(map[string]*Component),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Host returns the host the manager publishes to
func (m *Manager) Host() registry.Host {
	return m.host
}

// Logger returns the manager logger
func (m *Manager) Logger() logr.Logger {
	return m.log
}

// CreateComponent returns a fresh inactive component owned by m
func (m *Manager) CreateComponent() *Component {
	id := uuid.NewString()
	c := &Component{
		id:      id,
		manager: m,
		log:     m.log.WithValues("component_id", id),
		state:   Inactive,
	}
	c.exec = newSerialExecutor(c.log)
	m.metrics.RecordTransition("", Inactive.String())
	return c
}

// Add registers c and evaluates it right away. The returned error is the
// activation failure, if any; the component stays registered either way.
func (m *Manager) Add(c *Component) error {
	if c.manager != m {
		return fmt.Errorf("%w: %s belongs to another manager", apis.ErrUnknownComponent, c.id)
	}

	c.mu.RLock()
	impl, hooks, name := c.impl, c.hooks, c.name
	target := c.callbackTarget
	c.mu.RUnlock()

	if err := impl.Validate(); err != nil {
		return &apis.ComponentError{Component: c.id, Op: "add", Err: err}
	}
	if target == nil && impl.Shared() {
		if err := verifyHooks(impl.instance, hooks); err != nil {
			return &apis.ComponentError{Component: c.id, Op: "add", Err: err}
		}
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return apis.ErrShuttingDown
	}
	if _, ok := m.components[c.id]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", apis.ErrAlreadyAdded, c.id)
	}
	m.components[c.id] = c
	m.mu.Unlock()

	if name != "" {
		c.log = c.log.WithValues("component", name)
		c.exec.log = c.log
	}
	m.log.V(1).Info("Component added", "component_id", c.id, "component", name)

	var err error
	c.exec.executeAndWait(func() { err = c.activateInitial() })
	return err
}

// Remove deactivates c and discards it
func (m *Manager) Remove(c *Component) error {
	m.mu.Lock()
	if _, ok := m.components[c.id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", apis.ErrUnknownComponent, c.id)
	}
	delete(m.components, c.id)
	m.mu.Unlock()

	var err error
	c.exec.executeAndWait(func() { err = c.shutdown() })
	m.log.V(1).Info("Component removed", "component_id", c.id, "component", c.Name())
	return err
}

// Get returns the registered component with id
func (m *Manager) Get(id string) (*Component, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.components[id]
	return c, ok
}

// Components returns the registered components ordered by name, then id
func (m *Manager) Components() []*Component {
	m.mu.RLock()
	out := make([]*Component, 0, len(m.components))
	for _, c := range m.components {
		out = append(out, c)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ni, nj := out[i].Name(), out[j].Name()
		if ni != nj {
			return ni < nj
		}
		return out[i].id < out[j].id
	})
	return out
}

// ComponentStatuses returns the status of every registered component
func (m *Manager) ComponentStatuses() []interfaces.ComponentStatus {
	components := m.Components()
	out := make([]interfaces.ComponentStatus, 0, len(components))
	for _, c := range components {
		out = append(out, c.Status())
	}
	return out
}

// ComponentStatus returns the status of the component with id
func (m *Manager) ComponentStatus(id string) (interfaces.ComponentStatus, bool) {
	c, ok := m.Get(id)
	if !ok {
		return interfaces.ComponentStatus{}, false
	}
	return c.Status(), true
}

var _ interfaces.ComponentInspector = (*Manager)(nil)

// Shutdown deactivates every registered component. Components are torn down
// concurrently; a failing or panicking teardown does not stop the others.
// It returns early with the context error if ctx expires first.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()

	components := m.Components()
	m.log.Info("Shutting down components", "count", len(components))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, c := range components {
		wg.Add(1)
		go func(c *Component) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					errs = multierr.Append(errs, fmt.Errorf("component %s: panic during shutdown: %v", c.id, r))
					mu.Unlock()
				}
			}()

			if err := m.Remove(c); err != nil && !errors.Is(err, apis.ErrUnknownComponent) {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown interrupted: %w", ctx.Err())
	}

	mu.Lock()
	defer mu.Unlock()
	if errs != nil {
		m.log.Error(errs, "Components failed to shut down cleanly")
	}
	return errs
}

// report handles a failure of c
func (m *Manager) report(c *Component, err error) {
	op := "unknown"
	var ce *apis.ComponentError
	if errors.As(err, &ce) {
		op = ce.Op
	}

	m.metrics.RecordFailure(op)
	m.log.Error(err, "Component failed", "component_id", c.id, "component", c.Name(), "operation", op)

	if m.onError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error(fmt.Errorf("panic: %v", r), "Error handler panicked")
		}
	}()
	m.onError(c, err)
}
