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

// Package metrics provides Prometheus metrics collection and recording
// for component lifecycle, service registry and configuration delivery.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Component metrics
	componentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "depmgr_components",
			Help: "Number of managed components per lifecycle state",
		},
		[]string{"state"},
	)

	componentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depmgr_component_transitions_total",
			Help: "Total number of component state transitions",
		},
		[]string{"from", "to"},
	)

	componentFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depmgr_component_failures_total",
			Help: "Total number of fatal component failures by operation",
		},
		[]string{"operation"},
	)

	// Registry metrics
	serviceRegistrations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "depmgr_service_registrations",
			Help: "Number of services currently registered with the host registry",
		},
	)

	// Configuration metrics
	configurationDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depmgr_configuration_deliveries_total",
			Help: "Total number of configuration deliveries to consumers",
		},
		[]string{"kind", "result"},
	)

	configurationRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depmgr_configuration_rejections_total",
			Help: "Total number of configurations rejected by their consumer",
		},
		[]string{"pid"},
	)

	factoryChildren = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "depmgr_factory_children",
			Help: "Number of live child components per factory configuration adapter",
		},
		[]string{"factory_pid"},
	)
)

// Collector handles metrics collection for the dependency manager. A nil
// *Collector is valid and records nothing.
type Collector struct {
	mutex       sync.RWMutex
	lastUpdate  time.Time
	transitions int
	failures    int
	rejections  int
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		lastUpdate: time.Now(),
	}
}

// RegisterMetrics registers all metrics with the provided registry. Duplicate
// registrations are ignored so restarts and tests can call it repeatedly.
func (c *Collector) RegisterMetrics(registry prometheus.Registerer) {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	collectors := []prometheus.Collector{
		componentStates,
		componentTransitions,
		componentFailures,
		serviceRegistrations,
		configurationDeliveries,
		configurationRejections,
		factoryChildren,
	}

	for _, collector := range collectors {
		_ = registry.Register(collector)
	}
}

// RecordTransition records a component moving between lifecycle states
func (c *Collector) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.touch(func() { c.transitions++ })

	componentTransitions.WithLabelValues(from, to).Inc()
	if from != "" {
		componentStates.WithLabelValues(from).Dec()
	}
	if to != "" {
		componentStates.WithLabelValues(to).Inc()
	}
}

// RecordFailure records a fatal component failure during operation
func (c *Collector) RecordFailure(operation string) {
	if c == nil {
		return
	}
	c.touch(func() { c.failures++ })
	componentFailures.WithLabelValues(operation).Inc()
}

// SetRegistrations sets the number of live service registrations
func (c *Collector) SetRegistrations(n int) {
	if c == nil {
		return
	}
	serviceRegistrations.Set(float64(n))
}

// RecordConfigurationDelivery records a configuration delivered to a consumer
func (c *Collector) RecordConfigurationDelivery(kind string, err error) {
	if c == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	configurationDeliveries.WithLabelValues(kind, result).Inc()
}

// RecordConfigurationRejection records a configuration marked invalid by its consumer
func (c *Collector) RecordConfigurationRejection(pid string) {
	if c == nil {
		return
	}
	c.touch(func() { c.rejections++ })
	configurationRejections.WithLabelValues(pid).Inc()
}

// SetFactoryChildren sets the number of live children of a factory adapter
func (c *Collector) SetFactoryChildren(factoryPID string, n int) {
	if c == nil {
		return
	}
	factoryChildren.WithLabelValues(factoryPID).Set(float64(n))
}

func (c *Collector) touch(update func()) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	update()
	c.lastUpdate = time.Now()
}

// GetMetricsSnapshot returns a snapshot of current metrics values
func (c *Collector) GetMetricsSnapshot() Snapshot {
	if c == nil {
		return Snapshot{Timestamp: time.Now()}
	}
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return Snapshot{
		LastUpdate:  c.lastUpdate,
		Timestamp:   time.Now(),
		Transitions: c.transitions,
		Failures:    c.failures,
		Rejections:  c.rejections,
	}
}

// Snapshot represents a point-in-time snapshot of metrics
type Snapshot struct {
	LastUpdate  time.Time `json:"lastUpdate"`
	Timestamp   time.Time `json:"timestamp"`
	Transitions int       `json:"transitions"`
	Failures    int       `json:"failures"`
	Rejections  int       `json:"rejections"`
}

// ResetMetrics resets all metrics (useful for testing)
func (c *Collector) ResetMetrics() {
	if c != nil {
		c.mutex.Lock()
		c.transitions, c.failures, c.rejections = 0, 0, 0
		c.mutex.Unlock()
	}

	componentStates.Reset()
	componentTransitions.Reset()
	componentFailures.Reset()
	serviceRegistrations.Set(0)
	configurationDeliveries.Reset()
	configurationRejections.Reset()
	factoryChildren.Reset()
}
