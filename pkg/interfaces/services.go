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

// Package interfaces defines the service contracts exchanged through the
// registry between the component runtime, the configuration admin and the
// inspection server. These interfaces keep the packages decoupled and
// improve testability.
package interfaces

import (
	"context"

	"github.com/ahoma/depmgr/pkg/apis"
)

// ManagedService receives the configuration of a single PID. It is published
// under apis.ManagedServiceInterface with the service.pid property.
type ManagedService interface {
	// Updated delivers new settings; nil settings mean the record was deleted.
	// A *apis.ConfigurationError marks the record invalid.
	Updated(ctx context.Context, settings apis.Properties) error
}

// ManagedServiceFactory receives the instances of a factory configuration. It
// is published under apis.ManagedServiceFactoryInterface with service.pid set
// to the factory PID.
type ManagedServiceFactory interface {
	// Name returns a human-readable name for diagnostics
	Name() string

	// Updated creates or updates the instance id.
	// A *apis.ConfigurationError marks the record invalid.
	Updated(ctx context.Context, id string, settings apis.Properties) error

	// Deleted removes the instance id
	Deleted(ctx context.Context, id string)
}

// ConfigurationAdmin manages configuration records and delivers them to
// ManagedService and ManagedServiceFactory consumers
type ConfigurationAdmin interface {
	// Update creates or replaces the record pid
	Update(pid string, settings apis.Properties) error

	// UpdateFactory creates or replaces the instance name of factoryPID and
	// returns its PID
	UpdateFactory(factoryPID, name string, settings apis.Properties) (string, error)

	// Delete removes the record pid
	Delete(pid string) error

	// Get returns the record pid
	Get(pid string) (*Configuration, bool)

	// List returns every record
	List() []*Configuration
}

// Configuration is a snapshot of a configuration record
type Configuration struct {
	PID        string          `json:"pid"`
	FactoryPID string          `json:"factoryPid,omitempty"`
	Settings   apis.Properties `json:"settings"`
	Revision   int64           `json:"revision"`
	Invalid    bool            `json:"invalid"`
	Error      string          `json:"error,omitempty"`
}

// HealthChecker defines the interface for health checking
type HealthChecker interface {
	// IsHealthy returns true if the service is healthy
	IsHealthy() bool

	// IsReady returns true if the service is ready to serve requests
	IsReady() bool

	// GetHealthStatus returns detailed health status
	GetHealthStatus() map[string]interface{}
}

// ComponentStatus is a read-only view of a managed component
type ComponentStatus struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	State        string             `json:"state"`
	Published    bool               `json:"published"`
	Interfaces   []string           `json:"interfaces,omitempty"`
	Properties   apis.Properties    `json:"properties,omitempty"`
	Dependencies []DependencyStatus `json:"dependencies,omitempty"`
	LastError    string             `json:"lastError,omitempty"`
}

// DependencyStatus is a read-only view of a component dependency
type DependencyStatus struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Required      bool   `json:"required"`
	Available     bool   `json:"available"`
	InstanceBound bool   `json:"instanceBound,omitempty"`
	Matches       int    `json:"matches"`
}

// ComponentInspector exposes the state of the managed components
type ComponentInspector interface {
	// ComponentStatuses returns the status of every component
	ComponentStatuses() []ComponentStatus

	// ComponentStatus returns the status of one component
	ComponentStatus(id string) (ComponentStatus, bool)
}
