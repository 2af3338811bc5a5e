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

package workers

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// Handler reacts to a dispatched event
type Handler[E any] func(ctx context.Context, event E)

// Dispatcher delivers events of one type to its subscribers on the pool.
// Fire returns as soon as the handlers are queued.
type Dispatcher[E any] struct {
	name   string
	pool   *Pool
	logger logr.Logger

	mu       sync.RWMutex
	handlers []Handler[E]
}

// NewDispatcher creates a dispatcher that runs handlers on pool
func NewDispatcher[E any](name string, pool *Pool, logger logr.Logger) *Dispatcher[E] {
	return &Dispatcher[E]{
		name:   name,
		pool:   pool,
		logger: logger.WithName("dispatcher").WithValues("event", name),
	}
}

// Subscribe registers a handler for every subsequently fired event
func (d *Dispatcher[E]) Subscribe(handler Handler[E]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, handler)
}

// Fire queues one task per subscribed handler
func (d *Dispatcher[E]) Fire(event E) error {
	d.mu.RLock()
	handlers := make([]Handler[E], len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.logger.V(1).Info("No handlers subscribed, dropping event")
		return nil
	}

	for _, handler := range handlers {
		h := handler
		if err := d.pool.Submit(func(ctx context.Context) {
			h(ctx, event)
		}); err != nil {
			return fmt.Errorf("failed to dispatch %s event: %w", d.name, err)
		}
	}

	d.logger.V(1).Info("Dispatched event", "handlers", len(handlers))
	return nil
}
