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

// Package configadmin keeps configuration records in memory and delivers
// them to the ManagedService and ManagedServiceFactory consumers published in
// the service registry.
package configadmin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/ahoma/depmgr/pkg/apis"
	"github.com/ahoma/depmgr/pkg/interfaces"
	"github.com/ahoma/depmgr/pkg/metrics"
	"github.com/ahoma/depmgr/pkg/registry"
)

// FactorySeparator joins a factory PID and an instance name into a PID
const FactorySeparator = "~"

var (
	// ErrNotFound means no record exists for a PID
	ErrNotFound = errors.New("configuration not found")

	// ErrStopped means the admin is not running
	ErrStopped = errors.New("configuration admin stopped")
)

// Delivery kinds used in metrics
const (
	kindSingleton = "singleton"
	kindFactory   = "factory"
)

type record struct {
	pid        string
	factoryPID string
	settings   apis.Properties
	revision   int64
	invalid    bool
	err        string
}

func (r *record) snapshot() *interfaces.Configuration {
	return &interfaces.Configuration{
		PID:        r.pid,
		FactoryPID: r.factoryPID,
		Settings:   r.settings.Clone(),
		Revision:   r.revision,
		Invalid:    r.invalid,
		Error:      r.err,
	}
}

// Admin is an in-memory configuration admin. Records are delivered on a
// single dispatcher goroutine in the order they changed.
type Admin struct {
	host    registry.Host
	log     logr.Logger
	metrics *metrics.Collector

	mu       sync.RWMutex
	records  map[string]*record
	revision int64
	// sent is the last revision handed to each consumer per pid
	sent map[delivery]int64

	qmu     sync.Mutex
	queue   []func(ctx context.Context)
	wake    chan struct{}
	running bool
	cancels []func()
	done    chan struct{}
}

var _ interfaces.ConfigurationAdmin = (*Admin)(nil)

type delivery struct {
	consumer int64
	pid      string
}

// Option configures an Admin
type Option func(*Admin)

// WithLogger sets the admin logger
func WithLogger(log logr.Logger) Option {
	return func(a *Admin) {
		a.log = log
	}
}

// WithMetrics records deliveries and rejections
func WithMetrics(c *metrics.Collector) Option {
	return func(a *Admin) {
		a.metrics = c
	}
}

// New creates an admin delivering to consumers published in host
func New(host registry.Host, opts ...Option) *Admin {
	a := &Admin{
		host:    host,
		log:     logr.Discard(),
		records: make(map[string]*record),
		sent:    make(map[delivery]int64),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start tracks the consumers and runs the dispatcher until ctx is done or
// Stop is called
func (a *Admin) Start(ctx context.Context) error {
	a.qmu.Lock()
	if a.running {
		a.qmu.Unlock()
		return fmt.Errorf("configuration admin already started")
	}
	a.running = true
	a.done = make(chan struct{})
	a.qmu.Unlock()

	for _, iface := range []string{apis.ManagedServiceInterface, apis.ManagedServiceFactoryInterface} {
		filter := registry.MustFilter(iface, "", "")
		cancel := a.host.Subscribe(filter, registry.ListenerFunc(a.serviceChanged))
		a.qmu.Lock()
		a.cancels = append(a.cancels, cancel)
		a.qmu.Unlock()

		for _, ref := range a.host.Lookup(filter) {
			a.consumerAdded(ref)
		}
	}

	go a.dispatch(ctx, a.done)
	a.log.Info("Configuration admin started", "records", len(a.List()))
	return nil
}

// Stop stops tracking consumers and ends the dispatcher. Queued deliveries
// are dropped.
func (a *Admin) Stop() {
	a.qmu.Lock()
	if !a.running {
		a.qmu.Unlock()
		return
	}
	a.running = false
	cancels := a.cancels
	a.cancels = nil
	a.queue = nil
	close(a.done)
	a.qmu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	a.log.Info("Configuration admin stopped")
}

// Flush waits until every delivery queued so far has run
func (a *Admin) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	if !a.enqueue(func(context.Context) { close(flushed) }) {
		return ErrStopped
	}
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Update creates or replaces the record pid. The settings are delivered
// asynchronously.
func (a *Admin) Update(pid string, settings apis.Properties) error {
	if pid == "" {
		return fmt.Errorf("pid is required")
	}

	a.mu.Lock()
	factoryPID := ""
	if existing, ok := a.records[pid]; ok {
		factoryPID = existing.factoryPID
	}
	rec := a.store(pid, factoryPID, settings)
	a.mu.Unlock()

	a.log.V(1).Info("Configuration updated", "pid", pid, "revision", rec.revision)
	a.enqueue(func(ctx context.Context) { a.deliver(ctx, pid, rec.revision) })
	return nil
}

// UpdateFactory creates or replaces the instance name of factoryPID
func (a *Admin) UpdateFactory(factoryPID, name string, settings apis.Properties) (string, error) {
	if factoryPID == "" || name == "" {
		return "", fmt.Errorf("factory pid and name are required")
	}
	pid := FactoryPIDFor(factoryPID, name)

	a.mu.Lock()
	rec := a.store(pid, factoryPID, settings)
	a.mu.Unlock()

	a.log.V(1).Info("Factory configuration updated", "pid", pid, "factory_pid", factoryPID, "revision", rec.revision)
	a.enqueue(func(ctx context.Context) { a.deliver(ctx, pid, rec.revision) })
	return pid, nil
}

// Delete removes the record pid
func (a *Admin) Delete(pid string) error {
	a.mu.Lock()
	rec, ok := a.records[pid]
	if ok {
		delete(a.records, pid)
	}
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, pid)
	}

	a.log.V(1).Info("Configuration deleted", "pid", pid)
	a.enqueue(func(ctx context.Context) { a.deliverDelete(ctx, rec) })
	return nil
}

// Get returns the record pid
func (a *Admin) Get(pid string) (*interfaces.Configuration, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.records[pid]
	if !ok {
		return nil, false
	}
	return rec.snapshot(), true
}

// List returns every record sorted by PID
func (a *Admin) List() []*interfaces.Configuration {
	a.mu.RLock()
	out := make([]*interfaces.Configuration, 0, len(a.records))
	for _, rec := range a.records {
		out = append(out, rec.snapshot())
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// FactoryPIDFor returns the PID of the instance name of factoryPID
func FactoryPIDFor(factoryPID, name string) string {
	return factoryPID + FactorySeparator + name
}

// SplitPID splits a PID into its factory PID and instance name. Singleton
// PIDs return an empty factory PID.
func SplitPID(pid string) (factoryPID, name string) {
	i := strings.LastIndex(pid, FactorySeparator)
	if i <= 0 || i == len(pid)-1 {
		return "", pid
	}
	return pid[:i], pid[i+1:]
}

// store must be called with a.mu held
func (a *Admin) store(pid, factoryPID string, settings apis.Properties) *record {
	a.revision++
	props := settings.Clone()
	if props == nil {
		props = apis.Properties{}
	}
	props[apis.ServicePID] = pid
	if factoryPID != "" {
		props[apis.FactoryPID] = factoryPID
	}

	rec := &record{
		pid:        pid,
		factoryPID: factoryPID,
		settings:   props,
		revision:   a.revision,
	}
	a.records[pid] = rec
	return rec
}

func (a *Admin) serviceChanged(ev registry.Event) {
	switch ev.Type {
	case registry.Registered:
		a.consumerAdded(ev.Reference)
	case registry.Unregistering:
		id := ev.Reference.ID()
		a.enqueue(func(context.Context) { a.forget(func(d delivery) bool { return d.consumer == id }) })
	}
}

func (a *Admin) forget(match func(delivery) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for d := range a.sent {
		if match(d) {
			delete(a.sent, d)
		}
	}
}

// consumerAdded queues the initial delivery to a new consumer
func (a *Admin) consumerAdded(ref *registry.Reference) {
	a.enqueue(func(ctx context.Context) { a.deliverInitial(ctx, ref) })
}

func (a *Admin) deliverInitial(ctx context.Context, ref *registry.Reference) {
	if ref.IsUnregistered() {
		return
	}
	pid := ref.Properties().String(apis.ServicePID)
	if pid == "" {
		return
	}

	a.mu.RLock()
	var pending []*record
	for _, rec := range a.records {
		if rec.invalid {
			continue
		}
		if (rec.pid == pid && rec.factoryPID == "") || rec.factoryPID == pid {
			pending = append(pending, rec)
		}
	}
	a.mu.RUnlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].revision < pending[j].revision })
	for _, rec := range pending {
		a.send(ctx, ref, rec)
	}
}

// deliver sends revision of pid to its consumers unless it was superseded
func (a *Admin) deliver(ctx context.Context, pid string, revision int64) {
	a.mu.RLock()
	rec, ok := a.records[pid]
	a.mu.RUnlock()
	if !ok || rec.revision != revision {
		return
	}

	for _, ref := range a.consumers(rec) {
		a.send(ctx, ref, rec)
	}
}

func (a *Admin) deliverDelete(ctx context.Context, rec *record) {
	a.forget(func(d delivery) bool { return d.pid == rec.pid })
	for _, ref := range a.consumers(rec) {
		switch svc := ref.Service().(type) {
		case interfaces.ManagedServiceFactory:
			svc.Deleted(ctx, rec.pid)
		case interfaces.ManagedService:
			if err := svc.Updated(ctx, nil); err != nil {
				a.log.Error(err, "Consumer failed to handle deletion", "pid", rec.pid)
			}
		}
	}
}

// consumers returns the live consumers of rec
func (a *Admin) consumers(rec *record) []*registry.Reference {
	iface, key := apis.ManagedServiceInterface, rec.pid
	if rec.factoryPID != "" {
		iface, key = apis.ManagedServiceFactoryInterface, rec.factoryPID
	}

	var out []*registry.Reference
	for _, ref := range a.host.Lookup(registry.MustFilter(iface, "", "")) {
		if ref.Properties().String(apis.ServicePID) == key {
			out = append(out, ref)
		}
	}
	return out
}

func (a *Admin) send(ctx context.Context, ref *registry.Reference, rec *record) {
	var deliverFn func(settings apis.Properties) error
	kind := kindSingleton
	switch svc := ref.Service().(type) {
	case interfaces.ManagedServiceFactory:
		if rec.factoryPID == "" {
			return
		}
		kind = kindFactory
		deliverFn = func(settings apis.Properties) error { return svc.Updated(ctx, rec.pid, settings) }
	case interfaces.ManagedService:
		if rec.factoryPID != "" {
			return
		}
		deliverFn = func(settings apis.Properties) error { return svc.Updated(ctx, settings) }
	default:
		a.log.Info("Ignoring consumer with unexpected type", "pid", rec.pid, "type", fmt.Sprintf("%T", ref.Service()))
		return
	}

	if !a.claim(ref, rec) {
		return
	}

	log := a.log.WithValues("pid", rec.pid, "revision", rec.revision)
	if rec.factoryPID != "" {
		log = log.WithValues("factory_pid", rec.factoryPID)
	}

	settings := rec.settings.Clone()
	err := safeDeliver(func() error { return deliverFn(settings) })

	a.metrics.RecordConfigurationDelivery(kind, err)
	switch {
	case err == nil:
		log.V(1).Info("Configuration delivered", "consumer", ref.String())
	case apis.IsConfigurationError(err):
		a.reject(rec, err)
		log.Info("Configuration rejected", "consumer", ref.String(), "reason", err.Error())
	default:
		log.Error(err, "Configuration delivery failed", "consumer", ref.String())
	}
}

// claim records that rec goes to ref. It refuses revisions the consumer
// already received or that were rejected.
func (a *Admin) claim(ref *registry.Reference, rec *record) bool {
	key := delivery{consumer: ref.ID(), pid: rec.pid}

	a.mu.Lock()
	defer a.mu.Unlock()
	if rec.invalid || a.sent[key] >= rec.revision {
		return false
	}
	a.sent[key] = rec.revision
	return true
}

// reject marks the revision invalid so it is not delivered again
func (a *Admin) reject(rec *record, err error) {
	a.mu.Lock()
	current, ok := a.records[rec.pid]
	if ok && current.revision == rec.revision {
		current.invalid = true
		current.err = err.Error()
	}
	a.mu.Unlock()
	a.metrics.RecordConfigurationRejection(rec.pid)
}

func (a *Admin) enqueue(task func(ctx context.Context)) bool {
	a.qmu.Lock()
	if !a.running {
		a.qmu.Unlock()
		return false
	}
	a.queue = append(a.queue, task)
	a.qmu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return true
}

func (a *Admin) dispatch(ctx context.Context, done <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			a.Stop()
			return
		case <-done:
			return
		case <-a.wake:
		}

		for {
			a.qmu.Lock()
			if len(a.queue) == 0 || !a.running {
				a.qmu.Unlock()
				break
			}
			task := a.queue[0]
			a.queue[0] = nil
			a.queue = a.queue[1:]
			a.qmu.Unlock()

			task(ctx)
		}
	}
}

func safeDeliver(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", apis.ErrCallback, r)
		}
	}()
	return fn()
}
