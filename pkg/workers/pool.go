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

// Package workers provides the fixed-size background worker pool and the
// typed event dispatcher that runs event handlers on it.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/yachiko/agent-operator/pkg/fatal"
)

// DefaultSize is the number of workers used when none is configured
const DefaultSize = 4

var (
	// ErrNotStarted is returned when submitting to a pool that was never started
	ErrNotStarted = errors.New("worker pool not started")

	// ErrStopped is returned when submitting to a pool whose context is done
	ErrStopped = errors.New("worker pool stopped")
)

// Task is a unit of background work
type Task func(ctx context.Context)

// Pool runs submitted tasks on a fixed number of goroutines
type Pool struct {
	size   int
	tasks  chan Task
	bus    fatal.Publisher
	logger logr.Logger

	group   *errgroup.Group
	ctx     context.Context
	started atomic.Bool
	active  atomic.Int64
}

// NewPool creates a pool with size workers and a task queue of queueSize.
// A panicking task is escalated to bus.
func NewPool(size, queueSize int, bus fatal.Publisher, logger logr.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		size:   size,
		tasks:  make(chan Task, queueSize),
		bus:    bus,
		logger: logger.WithName("workers"),
	}
}

// Start launches the workers. They exit when ctx is done.
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("worker pool already started")
	}

	p.group, p.ctx = errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		p.group.Go(p.worker)
	}

	p.logger.Info("Started worker pool", "workers", p.size, "queue", cap(p.tasks))
	return nil
}

// Submit enqueues a task. It waits for queue space but never for task completion.
func (p *Pool) Submit(task Task) error {
	if !p.started.Load() {
		return ErrNotStarted
	}

	select {
	case <-p.ctx.Done():
		return ErrStopped
	default:
	}

	select {
	case p.tasks <- task:
		return nil
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// Wait blocks until every worker has exited
func (p *Pool) Wait() error {
	if !p.started.Load() {
		return nil
	}
	return p.group.Wait()
}

// Size returns the configured number of workers
func (p *Pool) Size() int {
	return p.size
}

// Active returns the number of tasks currently executing
func (p *Pool) Active() int64 {
	return p.active.Load()
}

func (p *Pool) worker() error {
	exited := false
	defer func() {
		// A task that ends its goroutine (runtime.Goexit) takes the worker
		// with it; replace it so the pool keeps its size.
		if !exited && p.ctx.Err() == nil {
			p.logger.V(1).Info("Replacing terminated worker")
			p.group.Go(p.worker)
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			exited = true
			return nil
		case task := <-p.tasks:
			p.run(task)
		}
	}
}

func (p *Pool) run(task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			if p.bus == nil {
				panic(r)
			}
			p.bus.Publish(fatal.Signal{Message: "worker task panicked", Cause: fmt.Errorf("%v", r)})
		}
	}()

	task(p.ctx)
}
