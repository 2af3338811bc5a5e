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
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/yachiko/agent-operator/internal/server"
	"github.com/yachiko/agent-operator/pkg/agent"
	"github.com/yachiko/agent-operator/pkg/apis"
	"github.com/yachiko/agent-operator/pkg/config"
	"github.com/yachiko/agent-operator/pkg/events"
	"github.com/yachiko/agent-operator/pkg/fatal"
	"github.com/yachiko/agent-operator/pkg/kube"
	"github.com/yachiko/agent-operator/pkg/metrics"
	"github.com/yachiko/agent-operator/pkg/workers"
)

const leaseLookupTimeout = 2 * time.Second

// Cache names
const (
	AgentPodsCache       = "agent-pods"
	AgentDaemonSetsCache = "agent-daemonsets"
)

// Components are the collaborators an Operator wires together
type Components struct {
	Provider  *config.Provider
	Clients   *KubernetesClientManager
	Bus       *fatal.Bus
	Collector *metrics.Collector
	Pool      *workers.Pool
	Reporter  *events.Reporter
	Deployer  *agent.Deployer
	Election  *LeaderElectionManager

	// Watcher is nil when no configuration file is used
	Watcher *config.Watcher
	Logger  logr.Logger
}

// Operator runs the election, the worker pool, the caches and the HTTP
// surface of one operator process
type Operator struct {
	Components

	dispatcher    *workers.Dispatcher[apis.ElectedEvent]
	podWatcher    *agent.PodWatcher
	healthChecker *server.HealthChecker
	metricsServer *server.MetricsServer
	shutdown      *ShutdownManager
	resync        *Resyncer

	podCache       atomic.Pointer[kube.Cache[*corev1.Pod]]
	daemonSetCache atomic.Pointer[kube.Cache[*appsv1.DaemonSet]]

	started atomic.Bool
}

// NewOperator wires c. The first deployment run happens when the election
// manager reports a won lease.
func NewOperator(c Components) (*Operator, error) {
	if c.Provider == nil || c.Clients == nil || c.Bus == nil || c.Pool == nil || c.Deployer == nil || c.Election == nil {
		return nil, errors.New("operator requires provider, clients, bus, pool, deployer and election")
	}
	if c.Collector == nil {
		c.Collector = metrics.NewCollector()
	}

	o := &Operator{
		Components: c,
		dispatcher: workers.NewDispatcher[apis.ElectedEvent]("elected", c.Pool, c.Logger),
		shutdown:   NewShutdownManager(DefaultShutdownConfig(), c.Logger),
	}
	cfg := c.Provider.Current()

	o.dispatcher.Subscribe(c.Deployer.OnElected)
	c.Election.OnElected(o.fireElected)
	c.Election.OnLost(func() {
		c.Bus.Publish(fatal.Signal{Message: "leader election lease lost", Cause: fatal.ErrLeadershipLost})
	})

	if c.Reporter != nil {
		o.podWatcher = agent.NewPodWatcher(c.Reporter, c.Deployer, c.Logger)
	}

	o.healthChecker = server.NewHealthChecker(c.Clients.GetKubernetesClient(), cfg.Operator.Namespace)
	o.metricsServer = server.NewMetricsServer(c.Collector)
	c.Bus.Observe(func(sig fatal.Signal) {
		c.Collector.RecordFatal()
		o.healthChecker.SetUnhealthy(sig.Error())
	})
	o.setupStatus()

	if schedule := cfg.Operator.Resync.Schedule; schedule != "" {
		resync, err := NewResyncer(schedule, c.Election.GetIdentity(), c.Election.IsLeader, o.fireElected, c.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to set up resync: %w", err)
		}
		o.resync = resync
	}

	c.Provider.OnChange(func(next *config.OperatorConfiguration) {
		c.Logger.Info("Configuration reloaded, agent settings apply from the next run",
			"daemonset", next.Agent.DaemonSetName)
	})

	o.registerShutdownHooks()
	return o, nil
}

func (o *Operator) fireElected(ev apis.ElectedEvent) {
	if err := o.dispatcher.Fire(ev); err != nil {
		o.Logger.Error(err, "Could not schedule deployment run", "trigger", ev.Trigger)
	}
}

// Start runs the operator until ctx is done or a component fails. Fatal
// conditions never return here; they end the process through the bus.
func (o *Operator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return fmt.Errorf("operator already started")
	}

	cfg := o.Provider.Current()
	namespace := cfg.Operator.Namespace
	log := o.Logger.WithValues("namespace", namespace, "identity", o.Election.GetIdentity())
	log.Info("Starting agent operator",
		"leader-election", cfg.Operator.LeaderElection.Enabled,
		"workers", o.Pool.Size(),
		"rbac", cfg.Agent.RBAC.Create,
	)

	info, err := o.Clients.GetClusterInfo(ctx, namespace)
	if err != nil {
		return fmt.Errorf("failed to reach cluster: %w", err)
	}
	log.Info("Connected to cluster", "version", info.Version, "host", info.APIServerURL)
	o.checkPermissions(ctx, log, cfg)
	o.healthChecker.ClearNotReady()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := o.Pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Observability.Health.Enabled {
		srv := server.NewServer("health", cfg.Observability.Health.BindAddress, o.Logger)
		srv.RegisterHealthRoutes(o.healthChecker)
		g.Go(func() error { return srv.Start(gctx) })
	}
	if cfg.Observability.Metrics.Enabled {
		srv := server.NewServer("metrics", cfg.Observability.Metrics.BindAddress, o.Logger)
		srv.RegisterMetricsRoutes(o.metricsServer)
		g.Go(func() error { return srv.Start(gctx) })
	}
	if o.Watcher != nil {
		g.Go(func() error { return o.Watcher.Start(gctx) })
	}

	o.startCaches(gctx, g, cfg)

	if o.resync != nil {
		g.Go(func() error { return o.resync.Start(gctx) })
	}
	g.Go(func() error { return o.Election.Run(gctx) })

	runErr := g.Wait()
	cancel()

	reason := "context cancelled"
	if runErr != nil {
		reason = runErr.Error()
	}
	if err := o.shutdown.Shutdown(reason); err != nil {
		log.Error(err, "Shutdown incomplete")
	}
	return runErr
}

func (o *Operator) checkPermissions(ctx context.Context, log logr.Logger, cfg *config.OperatorConfiguration) {
	denied, err := o.Clients.ValidatePermissions(ctx, RequiredPermissions(cfg.Operator.Namespace, cfg.Agent.RBAC.Create))
	if err != nil {
		log.Error(err, "Could not review permissions")
		return
	}
	for _, perm := range denied {
		log.Info("Permission appears to be missing, runs may fail", "permission", perm.String(), "scope", perm.Namespace)
	}
}

// startCaches opens the watches. A watch that cannot be established is fatal.
func (o *Operator) startCaches(ctx context.Context, g *errgroup.Group, cfg *config.OperatorConfiguration) {
	if !cfg.Operator.WatchAgentPods {
		return
	}

	agentCfg := cfg.AgentConfiguration()
	clientset := o.Clients.GetKubernetesClient()
	selector := agent.PodSelector(agentCfg)

	pods := kube.NewCache[*corev1.Pod](ctx, AgentPodsCache, clientset, kube.PodWatch(agentCfg.Namespace, selector), o.Bus, o.Logger)
	if o.podWatcher != nil {
		pods.OnApply(o.podWatcher.OnApply)
	}
	pods.OnApply(func(context.Context, kube.CacheEntry[*corev1.Pod]) {
		o.Collector.SetCacheEntries(AgentPodsCache, pods.Len())
	})
	o.podCache.Store(pods)

	daemonSets := kube.NewCache[*appsv1.DaemonSet](ctx, AgentDaemonSetsCache, clientset, kube.DaemonSetWatch(agentCfg.Namespace, selector), o.Bus, o.Logger)
	daemonSets.OnApply(func(context.Context, kube.CacheEntry[*appsv1.DaemonSet]) {
		o.Collector.SetCacheEntries(AgentDaemonSetsCache, daemonSets.Len())
	})
	o.daemonSetCache.Store(daemonSets)

	g.Go(func() error {
		pods.Run(ctx)
		return nil
	})
	g.Go(func() error {
		daemonSets.Run(ctx)
		return nil
	})
}

func (o *Operator) setupStatus() {
	o.healthChecker.SetNotReady("starting")

	o.healthChecker.AddStatus("leadership", func() interface{} {
		ctx, cancel := context.WithTimeout(context.Background(), leaseLookupTimeout)
		defer cancel()
		return o.LeadershipStatus(ctx)
	})
	o.healthChecker.AddStatus("lastRun", func() interface{} {
		state, ok := o.Deployer.LastRun()
		if !ok {
			return nil
		}
		return state
	})
	o.healthChecker.AddStatus("workers", func() interface{} {
		return map[string]interface{}{
			"size":   o.Pool.Size(),
			"active": o.Pool.Active(),
		}
	})
	o.healthChecker.AddStatus("caches", func() interface{} {
		return o.CacheStatus()
	})
	o.healthChecker.AddStatus("agent", func() interface{} {
		return o.AgentStatus()
	})

	o.healthChecker.AddReadyzCheck("caches", func(*http.Request) error {
		for _, status := range o.CacheStatus() {
			if status.Stale {
				return fmt.Errorf("cache %s is stale", status.Name)
			}
		}
		return nil
	})
}

func (o *Operator) registerShutdownHooks() {
	o.shutdown.Register("readiness", func(context.Context) error {
		o.healthChecker.SetNotReady("shutting down")
		return nil
	})
	o.shutdown.Register("caches", func(context.Context) error {
		if pods := o.podCache.Load(); pods != nil {
			pods.Stop()
		}
		if daemonSets := o.daemonSetCache.Load(); daemonSets != nil {
			daemonSets.Stop()
		}
		return nil
	})
	o.shutdown.Register("workers", func(context.Context) error {
		return o.Pool.Wait()
	})
}

// CacheStatus describes one resource cache
type CacheStatus struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Applied int64  `json:"applied"`
	Stale   bool   `json:"stale"`
}

// CacheStatus returns the state of every open cache
func (o *Operator) CacheStatus() []CacheStatus {
	var out []CacheStatus
	if pods := o.podCache.Load(); pods != nil {
		out = append(out, CacheStatus{Name: pods.Name(), Entries: pods.Len(), Applied: pods.Applied(), Stale: pods.Stale()})
	}
	if daemonSets := o.daemonSetCache.Load(); daemonSets != nil {
		out = append(out, CacheStatus{Name: daemonSets.Name(), Entries: daemonSets.Len(), Applied: daemonSets.Applied(), Stale: daemonSets.Stale()})
	}
	return out
}

// AgentStatus summarises the agent DaemonSet and pods from the caches
type AgentStatus struct {
	DaemonSet string   `json:"daemonSet"`
	Desired   int32    `json:"desired"`
	Ready     int32    `json:"ready"`
	Pods      []string `json:"pods"`
}

// AgentStatus reads the agent state from the caches without API calls
func (o *Operator) AgentStatus() AgentStatus {
	cfg := o.Provider.Current()
	status := AgentStatus{DaemonSet: cfg.Agent.DaemonSetName, Pods: []string{}}

	if daemonSets := o.daemonSetCache.Load(); daemonSets != nil {
		if ds, ok := daemonSets.Get(cfg.Operator.Namespace, cfg.Agent.DaemonSetName); ok {
			status.Desired = ds.Status.DesiredNumberScheduled
			status.Ready = ds.Status.NumberReady
		}
	}
	if pods := o.podCache.Load(); pods != nil {
		for _, pod := range pods.List() {
			status.Pods = append(status.Pods, pod.Name)
		}
	}
	return status
}

// IsLeader returns true if this instance currently holds the lease
func (o *Operator) IsLeader() bool {
	return o.Election.IsLeader()
}

// LeadershipStatus is the leadership section of /status
type LeadershipStatus struct {
	State      apis.LeadershipState `json:"state"`
	Lease      *LeaseInfo           `json:"lease,omitempty"`
	LeaseError string               `json:"leaseError,omitempty"`
}

// LeadershipStatus combines the local election state with the Lease as the
// API server sees it. Without leader election there is no Lease to read.
func (o *Operator) LeadershipStatus(ctx context.Context) LeadershipStatus {
	status := LeadershipStatus{State: o.Election.State()}
	if !o.Election.Enabled() {
		return status
	}

	lease, err := o.Election.GetLeaseInfo(ctx)
	if err != nil {
		status.LeaseError = err.Error()
		return status
	}
	status.Lease = lease
	return status
}

// GetShutdownManager returns the shutdown manager
func (o *Operator) GetShutdownManager() *ShutdownManager {
	return o.shutdown
}

// Resync returns the resync scheduler, nil when no schedule is configured
func (o *Operator) Resync() *Resyncer {
	return o.resync
}
