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

package kube

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/yachiko/agent-operator/pkg/fatal"
)

// EventType is the kind of change applied to a cache entry
type EventType string

const (
	Added    EventType = "Added"
	Modified EventType = "Modified"
	Deleted  EventType = "Deleted"
)

// CacheEntry is one applied change. Object is a copy owned by the receiver.
type CacheEntry[T client.Object] struct {
	Key             string
	Type            EventType
	Object          T
	ResourceVersion string
}

// Listener is invoked by the cache writer after each applied entry
type Listener[T client.Object] func(ctx context.Context, entry CacheEntry[T])

// Cache mirrors one watched resource kind in memory. A single writer applies
// watch events in delivery order; readers never block on I/O and always get
// deep copies. When the stream ends the cache keeps its last state and is
// marked stale.
type Cache[T client.Object] struct {
	name    string
	watcher watch.Interface
	logger  logr.Logger

	mu        sync.RWMutex
	items     map[string]T
	versions  map[string]string
	listeners []Listener[T]

	applied atomic.Int64
	stale   atomic.Bool
	stop    sync.Once
}

// NewCache opens the watch stream exactly once. If the factory fails the
// failure is published on bus, which does not return.
func NewCache[T client.Object](ctx context.Context, name string, clientset kubernetes.Interface, factory WatchFactory, bus fatal.Publisher, logger logr.Logger) *Cache[T] {
	watcher, err := factory(ctx, clientset)
	if err != nil {
		bus.Publish(fatal.Signal{
			Message: fmt.Sprintf("failed to establish watch for cache %s", name),
			Cause:   err,
		})
		return nil
	}

	return newCache[T](name, watcher, logger)
}

func newCache[T client.Object](name string, watcher watch.Interface, logger logr.Logger) *Cache[T] {
	return &Cache[T]{
		name:     name,
		watcher:  watcher,
		logger:   logger.WithName("cache").WithValues("cache", name),
		items:    make(map[string]T),
		versions: make(map[string]string),
	}
}

// Name returns the cache name
func (c *Cache[T]) Name() string {
	return c.name
}

// OnApply registers a listener. Listeners run on the writer goroutine and
// must not block for long.
func (c *Cache[T]) OnApply(listener Listener[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// Run consumes the watch stream until ctx is done or the stream ends
func (c *Cache[T]) Run(ctx context.Context) {
	c.logger.Info("Starting cache writer")
	defer c.Stop()

	results := c.watcher.ResultChan()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Stopping cache writer")
			return
		case event, ok := <-results:
			if !ok {
				c.stale.Store(true)
				c.logger.Info("Watch stream closed, cache is now stale", "entries", c.Len())
				return
			}
			c.apply(ctx, event)
		}
	}
}

// apply applies a single watch event and notifies listeners. It reports
// whether the cache changed.
func (c *Cache[T]) apply(ctx context.Context, event watch.Event) bool {
	var entry CacheEntry[T]

	switch event.Type {
	case watch.Added, watch.Modified, watch.Deleted:
		obj, ok := event.Object.(T)
		if !ok {
			c.logger.Info("Ignoring watch event with unexpected object type",
				"type", event.Type, "object", fmt.Sprintf("%T", event.Object))
			return false
		}
		entry = c.store(event.Type, obj)
	case watch.Error:
		c.logger.Error(apierrors.FromObject(event.Object), "Watch stream reported an error")
		return false
	default:
		// Bookmarks carry no object changes.
		return false
	}

	c.applied.Add(1)

	c.mu.RLock()
	listeners := make([]Listener[T], len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()

	for _, listener := range listeners {
		listener(ctx, CacheEntry[T]{
			Key:             entry.Key,
			Type:            entry.Type,
			Object:          copyObject(entry.Object),
			ResourceVersion: entry.ResourceVersion,
		})
	}
	return true
}

func (c *Cache[T]) store(eventType watch.EventType, obj T) CacheEntry[T] {
	key := client.ObjectKeyFromObject(obj).String()
	entry := CacheEntry[T]{
		Key:             key,
		Object:          copyObject(obj),
		ResourceVersion: obj.GetResourceVersion(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if eventType == watch.Deleted {
		entry.Type = Deleted
		delete(c.items, key)
		delete(c.versions, key)
		return entry
	}

	entry.Type = Added
	if eventType == watch.Modified {
		entry.Type = Modified
	}
	c.items[key] = entry.Object
	c.versions[key] = entry.ResourceVersion
	return entry
}

// Get returns a copy of namespace/name
func (c *Cache[T]) Get(namespace, name string) (T, bool) {
	key := client.ObjectKey{Namespace: namespace, Name: name}.String()

	c.mu.RLock()
	defer c.mu.RUnlock()

	obj, ok := c.items[key]
	if !ok {
		var zero T
		return zero, false
	}
	return copyObject(obj), true
}

// ResourceVersion returns the last applied resource version for namespace/name
func (c *Cache[T]) ResourceVersion(namespace, name string) (string, bool) {
	key := client.ObjectKey{Namespace: namespace, Name: name}.String()

	c.mu.RLock()
	defer c.mu.RUnlock()

	version, ok := c.versions[key]
	return version, ok
}

// List returns copies of all entries ordered by key
func (c *Cache[T]) List() []T {
	keys := c.Keys()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]T, 0, len(keys))
	for _, key := range keys {
		if obj, ok := c.items[key]; ok {
			out = append(out, copyObject(obj))
		}
	}
	return out
}

// Keys returns the namespace/name keys of all entries, sorted
func (c *Cache[T]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.items))
	for key := range c.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Applied returns the number of events applied so far
func (c *Cache[T]) Applied() int64 {
	return c.applied.Load()
}

// Stale reports whether the watch stream has ended
func (c *Cache[T]) Stale() bool {
	return c.stale.Load()
}

// Stop closes the watch stream
func (c *Cache[T]) Stop() {
	c.stop.Do(c.watcher.Stop)
}

func copyObject[T client.Object](obj T) T {
	return obj.DeepCopyObject().(T)
}
