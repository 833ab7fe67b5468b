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

package apis

import (
	"errors"
	"fmt"
)

// Standard error variables for component lifecycle conditions
var (
	// ErrInstantiation means the implementation object could not be constructed
	ErrInstantiation = errors.New("instantiation failed")

	// ErrCallback means a lifecycle or dependency callback failed
	ErrCallback = errors.New("callback failed")

	// ErrMissingHook means a declared lifecycle hook is not implemented by the instance
	ErrMissingHook = errors.New("declared lifecycle hook not implemented")

	// ErrUnknownComponent means the component is not registered with the manager
	ErrUnknownComponent = errors.New("unknown component")

	// ErrAlreadyAdded means the component is already registered with a manager
	ErrAlreadyAdded = errors.New("component already added")

	// ErrNoImplementation means no implementation was configured
	ErrNoImplementation = errors.New("no implementation configured")

	// ErrRequiredAfterStart means a required dependency was added to an active component
	ErrRequiredAfterStart = errors.New("required dependency added after start")

	// ErrShuttingDown means the manager no longer accepts components
	ErrShuttingDown = errors.New("manager is shutting down")

	// ErrInitFinished means a Binder was used after Init returned
	ErrInitFinished = errors.New("init already returned")
)

// ConfigurationError signals that a configuration was rejected. Configuration
// sources treat it as final and mark the record invalid instead of retrying.
type ConfigurationError struct {
	// PID is the identity of the rejected configuration, if known
	PID string

	// Property names the offending setting, if any
	Property string

	// Reason is a human-readable explanation
	Reason string

	// Err is the underlying cause
	Err error
}

// NewConfigurationError creates a configuration rejection for a property
func NewConfigurationError(property, reason string) *ConfigurationError {
	return &ConfigurationError{Property: property, Reason: reason}
}

// Error implements the error interface
func (e *ConfigurationError) Error() string {
	msg := "configuration rejected"
	if e.PID != "" {
		msg += fmt.Sprintf(" (pid %s)", e.PID)
	}
	if e.Property != "" {
		msg += fmt.Sprintf(": property %q", e.Property)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// AsConfigurationError converts err into a rejection for pid. An error that
// already carries a ConfigurationError keeps its property and reason.
func AsConfigurationError(pid string, err error) *ConfigurationError {
	if err == nil {
		return nil
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		out := *ce
		if out.PID == "" {
			out.PID = pid
		}
		return &out
	}
	return &ConfigurationError{PID: pid, Err: err}
}

// IsConfigurationError reports whether err is, or wraps, a configuration rejection
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ComponentError wraps a failure of a single component operation
type ComponentError struct {
	// Component is the component identity
	Component string

	// Op is the failed operation (instantiate, init, start, stop, destroy, ...)
	Op string

	// Err is the underlying cause
	Err error
}

// Error implements the error interface
func (e *ComponentError) Error() string {
	return fmt.Sprintf("component %s: %s: %v", e.Component, e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *ComponentError) Unwrap() error {
	return e.Err
}
