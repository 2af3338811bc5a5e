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

// Package metrics provides Prometheus metrics for agent deployment runs,
// resource creation, status events, caches and leader election.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yachiko/agent-operator/pkg/apis"
	"github.com/yachiko/agent-operator/pkg/events"
)

const namespace = "agent_operator"

// Resource creation results
const (
	ResultCreated = "created"
	ResultExists  = "exists"
	ResultError   = "error"

	ResultThrottled = "throttled"
)

// Collector owns the operator's metric vectors and implements prometheus.Collector
type Collector struct {
	resourceCreations *prometheus.CounterVec
	runs              *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	eventsReported    *prometheus.CounterVec
	cacheEntries      *prometheus.GaugeVec
	leaderStatus      *prometheus.GaugeVec
	fatalSignals      prometheus.Counter

	mutex      sync.RWMutex
	lastUpdate time.Time
	totalRuns  int
	lastPhase  apis.RunPhase
}

// NewCollector creates a collector with all vectors initialised
func NewCollector() *Collector {
	c := &Collector{
		resourceCreations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_creations_total",
				Help:      "Managed resource creation attempts by kind and result",
			},
			[]string{"kind", "result"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliations_total",
				Help:      "Agent deployment runs by trigger and final phase",
			},
			[]string{"trigger", "phase"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconciliation_duration_seconds",
				Help:      "Duration of agent deployment runs",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"trigger"},
		),
		eventsReported: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_reported_total",
				Help:      "Status events submitted by reason and result",
			},
			[]string{"reason", "result"},
		),
		cacheEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Number of objects held by each resource cache",
			},
			[]string{"cache"},
		),
		leaderStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "leader_election_status",
				Help:      "Current leader election status (1 for leader, 0 for follower)",
			},
			[]string{"identity"},
		),
		fatalSignals: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fatal_signals_total",
				Help:      "Unrecoverable errors published before termination",
			},
		),
		lastUpdate: time.Now(),
	}

	return c
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.resourceCreations,
		c.runs,
		c.runDuration,
		c.eventsReported,
		c.cacheEntries,
		c.leaderStatus,
		c.fatalSignals,
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range c.collectors() {
		collector.Describe(ch)
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range c.collectors() {
		collector.Collect(ch)
	}
}

// Register adds the collector to registry. Registering twice is not an error.
func (c *Collector) Register(registry prometheus.Registerer) error {
	if err := registry.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return nil
		}
		return err
	}
	return nil
}

// RecordResourceCreate records one create attempt
func (c *Collector) RecordResourceCreate(kind, result string) {
	c.resourceCreations.WithLabelValues(kind, result).Inc()
	c.touch()
}

// RecordRun records a finished deployment run
func (c *Collector) RecordRun(trigger string, phase apis.RunPhase, duration time.Duration) {
	c.runs.WithLabelValues(trigger, string(phase)).Inc()
	c.runDuration.WithLabelValues(trigger).Observe(duration.Seconds())

	c.mutex.Lock()
	c.totalRuns++
	c.lastPhase = phase
	c.lastUpdate = time.Now()
	c.mutex.Unlock()
}

// RecordEvent records a status event submission
func (c *Collector) RecordEvent(reason string, err error) {
	result := "success"
	switch {
	case errors.Is(err, events.ErrThrottled):
		result = ResultThrottled
	case err != nil:
		result = ResultError
	}
	c.eventsReported.WithLabelValues(reason, result).Inc()
	c.touch()
}

// SetCacheEntries publishes the size of a cache
func (c *Collector) SetCacheEntries(cache string, entries int) {
	c.cacheEntries.WithLabelValues(cache).Set(float64(entries))
}

// SetLeader publishes the election status of identity
func (c *Collector) SetLeader(identity string, isLeader bool) {
	value := 0.0
	if isLeader {
		value = 1
	}
	c.leaderStatus.WithLabelValues(identity).Set(value)
	c.touch()
}

// RecordFatal counts a published fatal signal
func (c *Collector) RecordFatal() {
	c.fatalSignals.Inc()
}

func (c *Collector) touch() {
	c.mutex.Lock()
	c.lastUpdate = time.Now()
	c.mutex.Unlock()
}

// Snapshot represents a point-in-time summary of the collector
type Snapshot struct {
	LastUpdate time.Time     `json:"lastUpdate"`
	Timestamp  time.Time     `json:"timestamp"`
	TotalRuns  int           `json:"totalRuns"`
	LastPhase  apis.RunPhase `json:"lastPhase,omitempty"`
}

// GetMetricsSnapshot returns a snapshot of the collector
func (c *Collector) GetMetricsSnapshot() Snapshot {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return Snapshot{
		LastUpdate: c.lastUpdate,
		Timestamp:  time.Now(),
		TotalRuns:  c.totalRuns,
		LastPhase:  c.lastPhase,
	}
}

// ResetMetrics resets all vectors (useful for testing)
func (c *Collector) ResetMetrics() {
	c.mutex.Lock()
	c.totalRuns = 0
	c.lastPhase = ""
	c.mutex.Unlock()

	c.resourceCreations.Reset()
	c.runs.Reset()
	c.runDuration.Reset()
	c.eventsReported.Reset()
	c.cacheEntries.Reset()
	c.leaderStatus.Reset()
}

// Timer measures elapsed time for a run
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration since timer creation
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
