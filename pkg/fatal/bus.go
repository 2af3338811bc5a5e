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

// Package fatal implements process-wide fail-fast escalation. Any component
// that hits an unrecoverable condition publishes a Signal; the first signal
// terminates the process and the supervisor restarts it from a clean state.
package fatal

import (
	"errors"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

var (
	// ErrPreconditionMissing marks a required cluster object that does not exist
	ErrPreconditionMissing = errors.New("precondition missing")

	// ErrLeadershipLost marks the loss of the election lease
	ErrLeadershipLost = errors.New("leadership lost")
)

// Signal describes an unrecoverable condition
type Signal struct {
	Message string
	Cause   error
}

func (s Signal) Error() string {
	if s.Cause == nil {
		return s.Message
	}
	return s.Message + ": " + s.Cause.Error()
}

func (s Signal) Unwrap() error {
	return s.Cause
}

// Publisher accepts fatal signals. Publish does not return to its caller.
type Publisher interface {
	Publish(sig Signal)
}

// ExitFunc terminates the process with the given code
type ExitFunc func(code int)

// Observer is notified of the first published signal before the process exits
type Observer func(sig Signal)

// Bus is the default Publisher. The first published signal is logged, handed
// to observers and terminates the process; later signals only stop their
// publishing goroutine.
type Bus struct {
	logger    logr.Logger
	exit      ExitFunc
	once      sync.Once
	published atomic.Pointer[Signal]

	mu        sync.RWMutex
	observers []Observer
}

// Option configures a Bus
type Option func(*Bus)

// WithExitFunc replaces os.Exit
func WithExitFunc(exit ExitFunc) Option {
	return func(b *Bus) {
		b.exit = exit
	}
}

// WithObserver registers an observer at construction time
func WithObserver(observer Observer) Option {
	return func(b *Bus) {
		b.observers = append(b.observers, observer)
	}
}

// NewBus creates a bus that logs through logger
func NewBus(logger logr.Logger, opts ...Option) *Bus {
	b := &Bus{
		logger: logger.WithName("fatal"),
		exit:   os.Exit,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Observe registers an observer. Observers must not block.
func (b *Bus) Observe(observer Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, observer)
}

// Publish escalates sig. Exactly one terminal action happens per process;
// concurrent publishers wait behind it. The calling goroutine never resumes:
// after the exit function runs it is terminated with runtime.Goexit, which
// still runs its deferred calls.
func (b *Bus) Publish(sig Signal) {
	b.once.Do(func() {
		b.published.Store(&sig)
		b.logger.Error(sig.Cause, "Unrecoverable error, terminating", "message", sig.Message)

		b.mu.RLock()
		observers := make([]Observer, len(b.observers))
		copy(observers, b.observers)
		b.mu.RUnlock()

		for _, observe := range observers {
			observe(sig)
		}

		b.exit(1)
	})
	runtime.Goexit()
}

// Published returns the signal that terminated the process, if any
func (b *Bus) Published() (Signal, bool) {
	sig := b.published.Load()
	if sig == nil {
		return Signal{}, false
	}
	return *sig, true
}
