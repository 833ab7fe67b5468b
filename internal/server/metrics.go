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

package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	metricsCollector "github.com/ahoma/depmgr/pkg/metrics"
)

// MetricsServer serves the runtime metrics in Prometheus format
type MetricsServer struct {
	collector *metricsCollector.Collector
	registry  *prometheus.Registry
	handler   http.Handler

	mu                sync.RWMutex
	customMetrics     map[string]prometheus.Collector
	lastCollection    time.Time
	collectionLatency time.Duration
}

// NewMetricsServer creates a metrics server with its own registry holding the
// runtime collectors and the Go process collectors
func NewMetricsServer(collector *metricsCollector.Collector) *MetricsServer {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if collector != nil {
		collector.RegisterMetrics(registry)
	}

	return &MetricsServer{
		collector: collector,
		registry:  registry,
		handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
			Registry:      registry,
			Timeout:       30 * time.Second,
		}),
		customMetrics: make(map[string]prometheus.Collector),
	}
}

// MetricsHandler implements the /metrics endpoint
func (m *MetricsServer) MetricsHandler(c *gin.Context) {
	start := time.Now()
	defer func() {
		m.mu.Lock()
		m.lastCollection = time.Now()
		m.collectionLatency = time.Since(start)
		m.mu.Unlock()
	}()

	gin.WrapH(m.handler)(c)
}

// HealthMetricsHandler returns information about metrics collection
func (m *MetricsServer) HealthMetricsHandler(c *gin.Context) {
	m.mu.RLock()
	lastCollection := m.lastCollection
	latency := m.collectionLatency
	m.mu.RUnlock()

	snapshot := m.collector.GetMetricsSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"metrics_collector": gin.H{
			"last_collection": lastCollection.Format(time.RFC3339),
			"latency_ms":      latency.Milliseconds(),
			"last_update":     snapshot.LastUpdate.Format(time.RFC3339),
			"transitions":     snapshot.Transitions,
			"failures":        snapshot.Failures,
			"rejections":      snapshot.Rejections,
		},
	})
}

// RegisterCustomMetric registers an additional Prometheus collector
func (m *MetricsServer) RegisterCustomMetric(name string, metric prometheus.Collector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.customMetrics[name]; exists {
		return fmt.Errorf("metric %s already registered", name)
	}

	if err := m.registry.Register(metric); err != nil {
		return fmt.Errorf("failed to register metric %s: %w", name, err)
	}

	m.customMetrics[name] = metric
	return nil
}

// UnregisterCustomMetric unregisters a custom Prometheus metric
func (m *MetricsServer) UnregisterCustomMetric(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	metric, exists := m.customMetrics[name]
	if !exists {
		return fmt.Errorf("metric %s not found", name)
	}

	if !m.registry.Unregister(metric) {
		return fmt.Errorf("failed to unregister metric %s", name)
	}

	delete(m.customMetrics, name)
	return nil
}

// GetRegistry returns the Prometheus registry for advanced usage
func (m *MetricsServer) GetRegistry() *prometheus.Registry {
	return m.registry
}
