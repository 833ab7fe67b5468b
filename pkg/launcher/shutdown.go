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


package launcher

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
)

// ShutdownConfig contains configuration for graceful shutdown
type ShutdownConfig struct {
	// GracefulTimeout bounds the whole shutdown sequence
	GracefulTimeout time.Duration

	// Signals to handle
	ShutdownSignals []os.Signal

	// Hooks
	PreShutdownHooks  []NamedHook
	PostShutdownHooks []NamedHook
}

// DefaultShutdownConfig returns default shutdown configuration
func DefaultShutdownConfig() *ShutdownConfig {
	return &ShutdownConfig{
		GracefulTimeout: 30 * time.Second,
		ShutdownSignals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// ShutdownHook represents a function called during shutdown
type ShutdownHook func(ctx context.Context) error

// NamedHook is a shutdown hook with a name used for state tracking
type NamedHook struct {
	Name string
	Hook ShutdownHook
}

// ShutdownState represents the state of shutdown for a step
type ShutdownState int

const (
	ShutdownStateUnknown ShutdownState = iota
	ShutdownStateStarted
	ShutdownStateCompleted
	ShutdownStateFailed
)

func (s ShutdownState) String() string {
	switch s {
	case ShutdownStateStarted:
		return "started"
	case ShutdownStateCompleted:
		return "completed"
	case ShutdownStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StepState is the shutdown state of one step
type StepState struct {
	Name      string
	State     ShutdownState
	StartTime time.Time
	EndTime   time.Time
	Error     error
}

// ShutdownManager waits for a shutdown signal and runs the shutdown steps in
// order: pre hooks, then the phases registered with AddPhase, then post hooks.
// Failing steps are recorded and do not stop the sequence.
type ShutdownManager struct {
	config *ShutdownConfig
	log    logr.Logger
	phases []NamedHook

	signals chan os.Signal

	mu       sync.RWMutex
	started  bool
	reason   string
	startAt  time.Time
	steps    map[string]StepState
	stepList []string
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(config *ShutdownConfig, log logr.Logger) *ShutdownManager {
	if config == nil {
		config = DefaultShutdownConfig()
	}
	return &ShutdownManager{
		config:  config,
		log:     log.WithName("shutdown-manager"),
		signals: make(chan os.Signal, 1),
		steps:   make(map[string]StepState),
	}
}

// AddPhase appends a shutdown phase. Phases run in the order they were added.
func (sm *ShutdownManager) AddPhase(name string, hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.phases = append(sm.phases, NamedHook{Name: name, Hook: hook})
}

// Wait blocks until a shutdown signal arrives or ctx is done, then runs the
// shutdown sequence
func (sm *ShutdownManager) Wait(ctx context.Context) error {
	if len(sm.config.ShutdownSignals) > 0 {
		signal.Notify(sm.signals, sm.config.ShutdownSignals...)
		defer signal.Stop(sm.signals)
	}

	sm.log.V(1).Info("Waiting for shutdown",
		"graceful-timeout", sm.config.GracefulTimeout,
		"signals", sm.config.ShutdownSignals,
	)

	select {
	case sig := <-sm.signals:
		sm.log.Info("Received shutdown signal", "signal", sig)
		return sm.Shutdown(fmt.Sprintf("signal: %v", sig))
	case <-ctx.Done():
		sm.log.Info("Context cancelled, initiating shutdown")
		return sm.Shutdown("context cancelled")
	}
}

// Shutdown runs the shutdown sequence once. The returned error aggregates the
// failed steps.
func (sm *ShutdownManager) Shutdown(reason string) error {
	sm.mu.Lock()
	if sm.started {
		sm.mu.Unlock()
		return fmt.Errorf("shutdown already started")
	}
	sm.started = true
	sm.reason = reason
	sm.startAt = time.Now()
	phases := append([]NamedHook(nil), sm.phases...)
	sm.mu.Unlock()

	sm.log.Info("Initiating graceful shutdown",
		"reason", reason,
		"graceful-timeout", sm.config.GracefulTimeout,
	)

	timeout := sm.config.GracefulTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownConfig().GracefulTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs error
	for _, group := range [][]NamedHook{sm.config.PreShutdownHooks, phases, sm.config.PostShutdownHooks} {
		for _, step := range group {
			errs = multierr.Append(errs, sm.run(ctx, step))
		}
	}

	if errs != nil {
		sm.log.Error(errs, "Shutdown completed with errors", "duration", time.Since(sm.startAt))
		return errs
	}
	sm.log.Info("Graceful shutdown completed", "duration", time.Since(sm.startAt))
	return nil
}

func (sm *ShutdownManager) run(ctx context.Context, step NamedHook) (err error) {
	sm.update(step.Name, ShutdownStateStarted, nil)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shutdown step %s panicked: %v", step.Name, r)
		}
		if err != nil {
			sm.update(step.Name, ShutdownStateFailed, err)
			return
		}
		sm.update(step.Name, ShutdownStateCompleted, nil)
	}()

	sm.log.V(1).Info("Running shutdown step", "step", step.Name)
	if err := step.Hook(ctx); err != nil {
		return fmt.Errorf("shutdown step %s failed: %w", step.Name, err)
	}
	return nil
}

func (sm *ShutdownManager) update(name string, state ShutdownState, err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	existing, exists := sm.steps[name]
	if !exists {
		existing = StepState{Name: name, StartTime: time.Now()}
		sm.stepList = append(sm.stepList, name)
	}
	existing.State = state
	existing.Error = err
	if state == ShutdownStateCompleted || state == ShutdownStateFailed {
		existing.EndTime = time.Now()
	}
	sm.steps[name] = existing
}

// GetShutdownStatus returns the current shutdown status
func (sm *ShutdownManager) GetShutdownStatus() *ShutdownStatus {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	steps := make([]StepState, 0, len(sm.stepList))
	for _, name := range sm.stepList {
		steps = append(steps, sm.steps[name])
	}

	return &ShutdownStatus{
		Started:   sm.started,
		Reason:    sm.reason,
		StartTime: sm.startAt,
		Steps:     steps,
	}
}

// ShutdownStatus represents the current shutdown status
type ShutdownStatus struct {
	Started   bool
	Reason    string
	StartTime time.Time
	// Steps in the order they ran
	Steps []StepState
}

// IsCompleted returns true if every step finished
func (ss *ShutdownStatus) IsCompleted() bool {
	if !ss.Started {
		return false
	}
	for _, step := range ss.Steps {
		if step.State != ShutdownStateCompleted && step.State != ShutdownStateFailed {
			return false
		}
	}
	return true
}

// HasErrors returns true if any step failed
func (ss *ShutdownStatus) HasErrors() bool {
	for _, step := range ss.Steps {
		if step.State == ShutdownStateFailed || step.Error != nil {
			return true
		}
	}
	return false
}

// GetDuration returns the total shutdown duration
func (ss *ShutdownStatus) GetDuration() time.Duration {
	if !ss.Started {
		return 0
	}
	return time.Since(ss.StartTime)
}
