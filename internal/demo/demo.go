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


// Package demo is the bundle installed by the depmgr binary. It shows a
// configured singleton, a factory of configured children and a component
// gated by a maintenance window.
package demo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/ahoma/depmgr/pkg/adapter"
	"github.com/ahoma/depmgr/pkg/apis"
	"github.com/ahoma/depmgr/pkg/component"
	"github.com/ahoma/depmgr/pkg/dependency"
	"github.com/ahoma/depmgr/pkg/launcher"
	"github.com/ahoma/depmgr/pkg/metatype"
)

// Identities used by the demo
const (
	ClockPID          = "demo.clock"
	GreeterFactoryPID = "demo.greeter"

	ClockInterface       = "demo.Clock"
	GreeterInterface     = "demo.Greeter"
	MaintenanceInterface = "demo.Maintenance"

	ClockVersion = "1.2.0"
)

// Options configures the demo bundle
type Options struct {
	// WindowSchedule and WindowDuration describe the maintenance window.
	// The maintenance component is left out when either is empty.
	WindowSchedule string
	WindowDuration string

	// TemplateDir holds greeting templates (*.tmpl). Empty disables them.
	TemplateDir string
}

// Bundle installs the demo components
type Bundle struct {
	opts Options

	manager    *component.Manager
	greeters   *adapter.Adapter
	components []*component.Component
}

var _ launcher.Bundle = (*Bundle)(nil)

// NewBundle creates the demo bundle
func NewBundle(opts Options) *Bundle {
	return &Bundle{opts: opts}
}

// Name implements launcher.Bundle
func (b *Bundle) Name() string {
	return "demo"
}

// Greeters returns the greeter adapter once started
func (b *Bundle) Greeters() *adapter.Adapter {
	return b.greeters
}

// Start implements launcher.Bundle
func (b *Bundle) Start(_ context.Context, env *launcher.Environment) error {
	b.manager = env.Manager

	clock := env.Manager.CreateComponent().
		SetName("demo clock").
		SetInterfaces([]string{ClockInterface}, apis.Properties{apis.ServiceVersion: ClockVersion}).
		SetImplementation(component.Instance(&Clock{}))
	if err := clock.Add(dependency.Configuration(ClockPID, dependency.Propagate())); err != nil {
		return err
	}
	if err := b.add(clock); err != nil {
		return err
	}

	provider, err := metatype.NewProvider(GreeterDescriptor(), env.Log)
	if err != nil {
		return err
	}
	b.greeters = adapter.New(env.Manager, GreeterFactoryPID,
		adapter.WithInterfaces([]string{GreeterInterface}, apis.Properties{"demo": "true"}),
		adapter.WithImplementation(component.Constructor(func() any { return &Greeter{} })),
		adapter.WithMetaType(provider),
		adapter.WithLogger(env.Log),
		adapter.WithMetrics(env.Metrics),
	)
	b.greeters.Add(dependency.Service(ClockInterface,
		dependency.Required(),
		dependency.WithVersion(">=1.0.0"),
	))
	if b.opts.TemplateDir != "" {
		b.greeters.Add(dependency.Resource(b.opts.TemplateDir, "*.tmpl",
			dependency.Named("templates"),
			dependency.WithCallbacks(
				dependency.OnValue((*Greeter).AddTemplate),
				dependency.OnValue((*Greeter).AddTemplate),
				dependency.OnValue((*Greeter).RemoveTemplate),
			),
		))
	}
	if err := b.greeters.Publish(); err != nil {
		return err
	}

	if b.opts.WindowSchedule == "" || b.opts.WindowDuration == "" {
		return nil
	}
	maintenance := env.Manager.CreateComponent().
		SetName("demo maintenance").
		SetInterfaces([]string{MaintenanceInterface}, nil).
		SetImplementation(component.Instance(&Maintenance{log: env.Log.WithName("maintenance")}))
	if err := maintenance.Add(
		dependency.TimeWindow("maintenance", b.opts.WindowSchedule, b.opts.WindowDuration,
			dependency.Required(), dependency.Propagate()),
		dependency.Service(GreeterInterface, dependency.Optional()),
	); err != nil {
		return err
	}
	return b.add(maintenance)
}

func (b *Bundle) add(c *component.Component) error {
	b.components = append(b.components, c)
	return b.manager.Add(c)
}

// Stop implements launcher.Bundle
func (b *Bundle) Stop(_ context.Context) error {
	var errs error
	if b.greeters != nil {
		errs = multierr.Append(errs, b.greeters.Withdraw())
	}
	for i := len(b.components) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, b.manager.Remove(b.components[i]))
	}
	b.components = nil
	return errs
}

// GreeterDescriptor describes the settings of a greeter
func GreeterDescriptor() metatype.Descriptor {
	return metatype.Descriptor{
		PID:         GreeterFactoryPID,
		Heading:     "Greeter",
		Description: "Greets someone by name",
		Properties: []metatype.PropertyMetaData{
			{ID: "name", Heading: "Name", Type: metatype.TypeString, Required: true},
			{ID: "message", Heading: "Message", Type: metatype.TypeString, Defaults: []string{"Hello"}},
			{ID: "template", Heading: "Template", Type: metatype.TypeString},
		},
	}
}

// Clock formats the current time in a configured location
type Clock struct {
	mu       sync.RWMutex
	layout   string
	location *time.Location
	now      func() time.Time
}

// Configure accepts the layout and location settings
func (c *Clock) Configure(_ context.Context, settings apis.Properties) error {
	layout := settings.String("layout")
	if layout == "" {
		layout = time.RFC3339
	}
	loc := time.UTC
	if name := settings.String("location"); name != "" {
		l, err := time.LoadLocation(name)
		if err != nil {
			return apis.NewConfigurationError("location", err.Error())
		}
		loc = l
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.layout = layout
	c.location = loc
	return nil
}

// Now returns the formatted current time
func (c *Clock) Now() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	loc, layout := c.location, c.layout
	if loc == nil {
		loc = time.UTC
	}
	if layout == "" {
		layout = time.RFC3339
	}
	return now().In(loc).Format(layout)
}

// Greeter greets a configured name
type Greeter struct {
	mu        sync.RWMutex
	name      string
	message   string
	template  string
	clock     *Clock
	templates map[string]string
}

// Configure accepts the greeter settings
func (g *Greeter) Configure(_ context.Context, settings apis.Properties) error {
	name := settings.String("name")
	if strings.TrimSpace(name) == "" {
		return apis.NewConfigurationError("name", "must not be blank")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.name = name
	g.message = settings.String("message")
	g.template = settings.String("template")
	return nil
}

// Inject receives the clock
func (g *Greeter) Inject(name string, value any) {
	if name != ClockInterface {
		return
	}
	clock, _ := value.(*Clock)
	g.mu.Lock()
	g.clock = clock
	g.mu.Unlock()
}

// AddTemplate loads the template file at path
func (g *Greeter) AddTemplate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read template %s: %w", path, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.templates == nil {
		g.templates = make(map[string]string)
	}
	g.templates[templateName(path)] = strings.TrimSpace(string(data))
	return nil
}

// RemoveTemplate forgets the template file at path
func (g *Greeter) RemoveTemplate(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.templates, templateName(path))
	return nil
}

// Templates returns the names of the loaded templates
func (g *Greeter) Templates() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.templates))
	for name := range g.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Greet returns the greeting. A configured template replaces the message;
// its first %s is the name.
func (g *Greeter) Greet() string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	greeting := fmt.Sprintf("%s, %s!", g.message, g.name)
	if tmpl, ok := g.templates[g.template]; ok && g.template != "" {
		greeting = fmt.Sprintf(tmpl, g.name)
	}
	if g.clock != nil {
		greeting += " (" + g.clock.Now() + ")"
	}
	return greeting
}

func templateName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// Maintenance runs while the maintenance window is open
type Maintenance struct {
	log logr.Logger

	mu       sync.Mutex
	greeters []*Greeter
}

// InjectAll receives the available greeters
func (m *Maintenance) InjectAll(name string, values []any) {
	if name != GreeterInterface {
		return
	}
	greeters := make([]*Greeter, 0, len(values))
	for _, v := range values {
		if g, ok := v.(*Greeter); ok {
			greeters = append(greeters, g)
		}
	}
	m.mu.Lock()
	m.greeters = greeters
	m.mu.Unlock()
}

// Start implements component.Starter
func (m *Maintenance) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.Info("Maintenance window opened", "greeters", len(m.greeters))
	return nil
}

// Stop implements component.Stopper
func (m *Maintenance) Stop(context.Context) error {
	m.log.Info("Maintenance window closed")
	return nil
}
