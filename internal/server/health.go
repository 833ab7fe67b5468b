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

// Package server provides the HTTP inspection server of the runtime: health
// checks, Prometheus metrics, component state and configuration records.
package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ahoma/depmgr/pkg/component"
	"github.com/ahoma/depmgr/pkg/interfaces"
)

// HealthChecker reports liveness and readiness of the runtime
type HealthChecker struct {
	inspector interfaces.ComponentInspector
	startTime time.Time

	mu              sync.RWMutex
	started         bool
	unhealthyReason string
	notReadyReason  string
}

var _ interfaces.HealthChecker = (*HealthChecker)(nil)

// NewHealthChecker creates a new health checker instance. inspector may be
// nil, in which case component checks are skipped.
func NewHealthChecker(inspector interfaces.ComponentInspector) *HealthChecker {
	return &HealthChecker{
		inspector: inspector,
		startTime: time.Now(),
	}
}

// HealthzHandler implements the /healthz endpoint.
// Returns 200 OK while the process is running and not marked unhealthy.
func (h *HealthChecker) HealthzHandler(c *gin.Context) {
	h.mu.RLock()
	unhealthyReason := h.unhealthyReason
	h.mu.RUnlock()

	uptime := time.Since(h.startTime)

	if unhealthyReason != "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"reason": unhealthyReason,
			"uptime": uptime.String(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": uptime.String(),
	})
}

// ReadyzHandler implements the /readyz endpoint.
// Returns 200 OK once the runtime started and no component failed.
func (h *HealthChecker) ReadyzHandler(c *gin.Context) {
	checks, ready := h.readiness()

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status": status,
		"checks": checks,
		"uptime": time.Since(h.startTime).String(),
	})
}

func (h *HealthChecker) readiness() (map[string]string, bool) {
	h.mu.RLock()
	started := h.started
	notReadyReason := h.notReadyReason
	h.mu.RUnlock()

	checks := make(map[string]string)
	ready := true

	if notReadyReason != "" {
		checks["manual-check"] = fmt.Sprintf("not ready: %s", notReadyReason)
		ready = false
	}

	if started {
		checks["runtime"] = "ok"
	} else {
		checks["runtime"] = "starting"
		ready = false
	}

	if h.inspector == nil {
		checks["components"] = "not inspected"
		return checks, ready
	}

	failed := failedComponents(h.inspector.ComponentStatuses())
	if len(failed) > 0 {
		checks["components"] = fmt.Sprintf("failed: %v", failed)
		ready = false
	} else {
		checks["components"] = "ok"
	}
	return checks, ready
}

// failedComponents returns the names of components that stopped on an error
func failedComponents(statuses []interfaces.ComponentStatus) []string {
	var failed []string
	for _, s := range statuses {
		if s.LastError != "" && s.State == component.Inactive.String() {
			failed = append(failed, s.Name)
		}
	}
	return failed
}

// MarkStarted flags the runtime as started
func (h *HealthChecker) MarkStarted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = true
}

// SetUnhealthy sets the health handler to unhealthy state
func (h *HealthChecker) SetUnhealthy(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unhealthyReason = reason
}

// SetNotReady sets the health handler to not ready state
func (h *HealthChecker) SetNotReady(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notReadyReason = reason
}

// ClearUnhealthy clears the unhealthy state
func (h *HealthChecker) ClearUnhealthy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unhealthyReason = ""
}

// ClearNotReady clears the not ready state
func (h *HealthChecker) ClearNotReady() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notReadyReason = ""
}

// IsHealthy returns true unless the runtime was marked unhealthy
func (h *HealthChecker) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.unhealthyReason == ""
}

// IsReady returns true when the readiness checks pass
func (h *HealthChecker) IsReady() bool {
	_, ready := h.readiness()
	return ready
}

// GetHealthStatus returns detailed health status
func (h *HealthChecker) GetHealthStatus() map[string]interface{} {
	checks, ready := h.readiness()
	return map[string]interface{}{
		"healthy": h.IsHealthy(),
		"ready":   ready,
		"checks":  checks,
		"uptime":  time.Since(h.startTime).String(),
	}
}
