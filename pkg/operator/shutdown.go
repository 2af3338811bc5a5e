/*
Copyright 2024 The Agent Operator Authors.

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

package operator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// ShutdownConfig contains configuration for graceful shutdown
type ShutdownConfig struct {
	// GracefulTimeout bounds all hooks together
	GracefulTimeout time.Duration

	// PreShutdownDelay lets readiness failures propagate before hooks run
	PreShutdownDelay time.Duration
}

// DefaultShutdownConfig returns default shutdown configuration
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		GracefulTimeout: 30 * time.Second,
	}
}

// ShutdownHook stops one component
type ShutdownHook func(ctx context.Context) error

// ShutdownState represents the state of shutdown for a component
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

// ComponentShutdownState represents the shutdown state of a component
type ComponentShutdownState struct {
	Name      string
	State     ShutdownState
	StartTime time.Time
	EndTime   time.Time
	Error     error
}

type namedHook struct {
	name string
	hook ShutdownHook
}

// ShutdownManager runs registered hooks once, in registration order, after
// the root context has been cancelled
type ShutdownManager struct {
	config ShutdownConfig
	logger logr.Logger

	mu              sync.RWMutex
	hooks           []namedHook
	started         bool
	reason          string
	componentStates map[string]ComponentShutdownState
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(config ShutdownConfig, logger logr.Logger) *ShutdownManager {
	return &ShutdownManager{
		config:          config,
		logger:          logger.WithName("shutdown-manager"),
		componentStates: make(map[string]ComponentShutdownState),
	}
}

// Register adds a hook for component name
func (sm *ShutdownManager) Register(name string, hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.hooks = append(sm.hooks, namedHook{name: name, hook: hook})
}

// Shutdown runs every hook. A failing hook does not stop the others; all
// failures are joined into the returned error.
func (sm *ShutdownManager) Shutdown(reason string) error {
	sm.mu.Lock()
	if sm.started {
		sm.mu.Unlock()
		return fmt.Errorf("shutdown already started")
	}
	sm.started = true
	sm.reason = reason
	hooks := make([]namedHook, len(sm.hooks))
	copy(hooks, sm.hooks)
	sm.mu.Unlock()

	start := time.Now()
	sm.logger.Info("Initiating graceful shutdown", "reason", reason, "graceful-timeout", sm.config.GracefulTimeout)

	if sm.config.PreShutdownDelay > 0 {
		time.Sleep(sm.config.PreShutdownDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sm.config.GracefulTimeout)
	defer cancel()

	var errs []error
	for _, h := range hooks {
		if err := sm.runHook(ctx, h); err != nil {
			sm.logger.Error(err, "Shutdown hook failed", "component", h.name)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}

	sm.logger.Info("Graceful shutdown completed", "duration", time.Since(start), "failures", len(errs))
	return errors.Join(errs...)
}

func (sm *ShutdownManager) runHook(ctx context.Context, h namedHook) error {
	sm.setState(ComponentShutdownState{Name: h.name, State: ShutdownStateStarted, StartTime: time.Now()})

	done := make(chan error, 1)
	go func() {
		done <- h.hook(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("timed out: %w", ctx.Err())
	}

	sm.mu.Lock()
	state := sm.componentStates[h.name]
	state.EndTime = time.Now()
	state.State = ShutdownStateCompleted
	if err != nil {
		state.State = ShutdownStateFailed
		state.Error = err
	}
	sm.componentStates[h.name] = state
	sm.mu.Unlock()
	return err
}

func (sm *ShutdownManager) setState(state ComponentShutdownState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.componentStates[state.Name] = state
}

// IsShuttingDown returns true once Shutdown has been called
func (sm *ShutdownManager) IsShuttingDown() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.started
}

// Reason returns the reason passed to Shutdown
func (sm *ShutdownManager) Reason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.reason
}

// ComponentStates returns a copy of every component's shutdown state
func (sm *ShutdownManager) ComponentStates() map[string]ComponentShutdownState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make(map[string]ComponentShutdownState, len(sm.componentStates))
	for name, state := range sm.componentStates {
		out[name] = state
	}
	return out
}
