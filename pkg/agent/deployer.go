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

// Package agent deploys the monitoring agent: a ServiceAccount, optional
// cluster RBAC, the key Secret and the DaemonSet, created in that order once
// the operator holds the lease.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/yachiko/agent-operator/pkg/apis"
	"github.com/yachiko/agent-operator/pkg/fatal"
	"github.com/yachiko/agent-operator/pkg/kube"
	"github.com/yachiko/agent-operator/pkg/metrics"
	"github.com/yachiko/agent-operator/pkg/ownerref"
)

// Event names and reasons reported by the deployer
const (
	EventAgentDeployed  = "agent-deployed"
	ReasonAgentDeployed = "AgentDeployed"
)

// ConfigSource supplies a validated configuration snapshot per run
type ConfigSource interface {
	Snapshot() *apis.AgentConfiguration
}

// OwnerResolver finds the operator's own Deployment
type OwnerResolver interface {
	Resolve(ctx context.Context) <-chan ownerref.Result
}

// EventReporter submits status events
type EventReporter interface {
	Report(ctx context.Context, eventName, namespace, reason, message string, owner apis.OwnerReference) (*corev1.Event, bool)
}

// MetricsRecorder records run and create outcomes
type MetricsRecorder interface {
	RecordResourceCreate(kind, result string)
	RecordRun(trigger string, phase apis.RunPhase, duration time.Duration)
}

// Deployer runs the agent deployment pipeline. Runs are serialized; a
// duplicate run only finds existing objects.
type Deployer struct {
	client   kube.Client
	config   ConfigSource
	resolver OwnerResolver
	bus      fatal.Publisher
	reporter EventReporter
	metrics  MetricsRecorder
	clock    clock.PassiveClock
	logger   logr.Logger

	runMu sync.Mutex

	mu      sync.RWMutex
	lastRun *apis.RunState
	owner   apis.OwnerReference
}

// Option configures a Deployer
type Option func(*Deployer)

// WithReporter reports milestones through r
func WithReporter(r EventReporter) Option {
	return func(d *Deployer) { d.reporter = r }
}

// WithMetrics records outcomes on m
func WithMetrics(m MetricsRecorder) Option {
	return func(d *Deployer) { d.metrics = m }
}

// WithClock replaces the wall clock
func WithClock(c clock.PassiveClock) Option {
	return func(d *Deployer) { d.clock = c }
}

// NewDeployer creates a deployer
func NewDeployer(c kube.Client, config ConfigSource, resolver OwnerResolver, bus fatal.Publisher, logger logr.Logger, opts ...Option) *Deployer {
	d := &Deployer{
		client:   c,
		config:   config,
		resolver: resolver,
		bus:      bus,
		clock:    clock.RealClock{},
		logger:   logger.WithName("deployer"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnElected runs the pipeline for ev. It is meant to run on a pool worker.
// Unrecoverable failures are published on the bus and end the run.
func (d *Deployer) OnElected(ctx context.Context, ev apis.ElectedEvent) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	r := d.newRun(ev)
	r.log.RunStarted("Starting agent deployment")
	r.execute(ctx)
}

// LastRun returns a copy of the most recent run state
func (d *Deployer) LastRun() (apis.RunState, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lastRun == nil {
		return apis.RunState{}, false
	}
	return *d.lastRun, true
}

// Owner returns the last resolved owner reference
func (d *Deployer) Owner() (apis.OwnerReference, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.owner, !d.owner.IsZero()
}

func (d *Deployer) newRun(ev apis.ElectedEvent) *run {
	trigger := ev.Trigger
	if trigger == "" {
		trigger = "election"
	}
	log := NewRunLogger(d.logger, trigger, ev.Identity)
	state := apis.RunState{
		ID:        log.RunID,
		Trigger:   trigger,
		Phase:     apis.RunPhaseStart,
		StartedAt: d.clock.Now(),
	}
	r := &run{d: d, base: log, log: log, state: state}
	r.publish()
	return r
}

// run is the state of one pipeline pass
type run struct {
	d     *Deployer
	base  *RunLogger
	log   *RunLogger
	state apis.RunState
	cfg   *apis.AgentConfiguration
	owner apis.OwnerReference
}

func (r *run) execute(ctx context.Context) {
	r.cfg = r.d.config.Snapshot()
	if r.cfg == nil {
		r.fail(ctx, "no agent configuration available", errors.New("configuration snapshot is empty"))
		return
	}

	r.enter(apis.RunPhaseResolvingOwner)
	if !r.resolveOwner(ctx) {
		return
	}

	r.enter(apis.RunPhaseCreatingServiceAccount)
	sa := ServiceAccount(r.cfg, r.owner)
	if !r.create(ctx, sa) {
		return
	}

	if r.cfg.RBACCreate {
		r.enter(apis.RunPhaseCreatingRBAC)
		role := ClusterRole(r.cfg, r.owner)
		if !r.create(ctx, role) {
			return
		}
		if !r.create(ctx, ClusterRoleBinding(r.cfg, sa, role, r.owner)) {
			return
		}
	}

	r.enter(apis.RunPhaseCreatingSecret)
	secret := Secret(r.cfg, r.owner)
	if !r.create(ctx, secret) {
		return
	}

	r.enter(apis.RunPhaseAwaitingConfigMap)
	configMap, ok := r.readConfigMap(ctx)
	if !ok {
		return
	}

	r.enter(apis.RunPhaseCreatingDaemonSet)
	ds := DaemonSet(r.cfg, sa, secret, configMap, r.owner)
	if !r.create(ctx, ds) {
		return
	}

	r.complete(ctx, ds.Name)
}

func (r *run) resolveOwner(ctx context.Context) bool {
	var (
		result ownerref.Result
		ok     bool
	)
	select {
	case result, ok = <-r.d.resolver.Resolve(ctx):
	case <-ctx.Done():
		r.abandon(ctx.Err())
		return false
	}
	if !ok {
		result.Err = errors.New("resolver closed without a result")
	}
	if result.Err != nil {
		r.fail(ctx, "failed to resolve operator owner reference", result.Err)
		return false
	}

	r.owner = result.Ref
	r.d.mu.Lock()
	r.d.owner = result.Ref
	r.d.mu.Unlock()

	r.log.V(1).Info("Resolved owner reference", "owner", result.Ref.String())
	return true
}

// create submits obj. An existing object counts as success.
func (r *run) create(ctx context.Context, obj client.Object) bool {
	kind := kube.KindOf(obj)
	log := r.log.WithResource(kind, obj.GetNamespace(), obj.GetName())
	log.V(1).Info("Creating resource")

	err := r.d.client.Create(ctx, obj)
	switch {
	case err == nil:
		r.state.Created++
		r.recordCreate(kind, metrics.ResultCreated)
		log.Info("Created resource")
	case kube.IsConflict(err):
		r.state.Existing++
		r.recordCreate(kind, metrics.ResultExists)
		log.Info("Resource already exists")
	default:
		r.recordCreate(kind, metrics.ResultError)
		r.fail(ctx, fmt.Sprintf("failed to create %s %s", kind, kube.KeyOf(obj)), err)
		return false
	}
	return true
}

func (r *run) readConfigMap(ctx context.Context) (*corev1.ConfigMap, bool) {
	configMap := &corev1.ConfigMap{}
	found, err := r.d.client.Get(ctx, r.cfg.Namespace, r.cfg.ConfigMapName, configMap)
	if err != nil {
		r.fail(ctx, fmt.Sprintf("failed to read agent ConfigMap %s/%s", r.cfg.Namespace, r.cfg.ConfigMapName), err)
		return nil, false
	}
	if !found {
		r.fail(ctx, fmt.Sprintf("agent ConfigMap named %s not found in namespace %s",
			r.cfg.ConfigMapName, r.cfg.Namespace), fatal.ErrPreconditionMissing)
		return nil, false
	}
	return configMap, true
}

func (r *run) complete(ctx context.Context, daemonSet string) {
	r.state.Phase = apis.RunPhaseDone
	r.state.FinishedAt = r.d.clock.Now()
	r.publish()
	r.recordRun()
	r.log.RunCompleted("Agent deployed", r.state)

	if r.d.reporter != nil {
		r.d.reporter.Report(ctx, EventAgentDeployed, r.cfg.Namespace, ReasonAgentDeployed,
			fmt.Sprintf("Agent DaemonSet %s/%s deployed", r.cfg.Namespace, daemonSet), r.owner)
	}
}

// fail records the error and publishes it. A cancelled context is a shutdown,
// not a failure, and is not escalated.
func (r *run) fail(ctx context.Context, message string, cause error) {
	if ctx.Err() != nil {
		r.abandon(ctx.Err())
		return
	}

	sig := fatal.Signal{Message: message, Cause: cause}
	r.finishWithError(sig)
	r.log.RunFailed(sig, "Agent deployment failed", r.state.Duration())
	r.d.bus.Publish(sig)
}

func (r *run) abandon(err error) {
	r.finishWithError(err)
	r.log.Info("Agent deployment abandoned", "reason", err.Error())
}

func (r *run) finishWithError(err error) {
	r.state.Phase = apis.RunPhaseError
	r.state.FinishedAt = r.d.clock.Now()
	r.state.LastError = err.Error()
	r.publish()
	r.recordRun()
}

func (r *run) enter(phase apis.RunPhase) {
	r.state.Phase = phase
	r.log = r.base.WithPhase(phase)
	r.publish()
}

func (r *run) publish() {
	state := r.state
	r.d.mu.Lock()
	r.d.lastRun = &state
	r.d.mu.Unlock()
}

func (r *run) recordCreate(kind, result string) {
	if r.d.metrics != nil {
		r.d.metrics.RecordResourceCreate(kind, result)
	}
}

func (r *run) recordRun() {
	if r.d.metrics != nil {
		r.d.metrics.RecordRun(r.state.Trigger, r.state.Phase, r.state.Duration())
	}
}
