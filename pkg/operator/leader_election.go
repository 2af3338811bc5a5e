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
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
	"k8s.io/utils/clock"

	"github.com/yachiko/agent-operator/pkg/apis"
	"github.com/yachiko/agent-operator/pkg/config"
)

// Triggers carried by apis.ElectedEvent
const (
	TriggerElection = "election"
	TriggerResync   = "resync"
)

// LeaderMetrics receives leadership changes
type LeaderMetrics interface {
	SetLeader(identity string, isLeader bool)
}

// LeaderElectionManager runs lease-based leader election and turns each
// acquired term into an apis.ElectedEvent
type LeaderElectionManager struct {
	election  config.LeaderElectionConfig
	namespace string
	identity  string

	kubeClient kubernetes.Interface
	logger     logr.Logger
	clock      clock.PassiveClock
	metrics    LeaderMetrics

	mu        sync.RWMutex
	state     *apis.LeadershipState
	onElected func(apis.ElectedEvent)
	onLost    func()
}

// LeaderOption configures a LeaderElectionManager
type LeaderOption func(*LeaderElectionManager)

// WithLeaderMetrics publishes leadership on m
func WithLeaderMetrics(m LeaderMetrics) LeaderOption {
	return func(l *LeaderElectionManager) {
		l.metrics = m
	}
}

// WithLeaderClock replaces the wall clock
func WithLeaderClock(c clock.PassiveClock) LeaderOption {
	return func(l *LeaderElectionManager) {
		l.clock = c
	}
}

// NewLeaderElectionManager creates a manager for the lease election.ID in
// namespace, held under identity
func NewLeaderElectionManager(election config.LeaderElectionConfig, namespace, identity string, kubeClient kubernetes.Interface, logger logr.Logger, opts ...LeaderOption) *LeaderElectionManager {
	l := &LeaderElectionManager{
		election:   election,
		namespace:  namespace,
		identity:   identity,
		kubeClient: kubeClient,
		logger:     logger.WithName("leader-election").WithValues("identity", identity, "lease", election.ID),
		clock:      clock.RealClock{},
		state:      apis.NewLeadershipState(identity, election.ID, namespace),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnElected sets the function called once per acquired term. It must return
// quickly; the deployment run itself belongs on the worker pool.
func (l *LeaderElectionManager) OnElected(fn func(apis.ElectedEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onElected = fn
}

// OnLost sets the function called when a held lease is lost while the
// process is still running
func (l *LeaderElectionManager) OnLost(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLost = fn
}

// Run campaigns for the lease until ctx is done. With election disabled the
// instance leads immediately.
func (l *LeaderElectionManager) Run(ctx context.Context) error {
	if !l.election.Enabled {
		l.logger.Info("Leader election disabled, leading unconditionally")
		l.onStartedLeading(ctx)
		<-ctx.Done()
		l.stepDown()
		return nil
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            l.lock(),
		LeaseDuration:   l.election.LeaseDuration,
		RenewDeadline:   l.election.RenewDeadline,
		RetryPeriod:     l.election.RetryPeriod,
		ReleaseOnCancel: true,
		Name:            l.election.ID,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: l.onStartedLeading,
			OnStoppedLeading: func() { l.onStoppedLeading(ctx) },
			OnNewLeader:      l.onNewLeader,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create leader elector: %w", err)
	}

	l.logger.Info("Starting leader election",
		"namespace", l.namespace,
		"lease-duration", l.election.LeaseDuration,
		"renew-deadline", l.election.RenewDeadline,
		"retry-period", l.election.RetryPeriod,
	)
	elector.Run(ctx)
	return nil
}

func (l *LeaderElectionManager) lock() resourcelock.Interface {
	return &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      l.election.ID,
			Namespace: l.namespace,
		},
		Client: l.kubeClient.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: l.identity,
		},
	}
}

func (l *LeaderElectionManager) onStartedLeading(_ context.Context) {
	now := l.clock.Now()

	l.mu.Lock()
	l.state.BecomeLeader(now)
	terms := l.state.Terms
	onElected := l.onElected
	l.mu.Unlock()

	l.logger.Info("Started leading", "term", terms)
	if l.metrics != nil {
		l.metrics.SetLeader(l.identity, true)
	}

	if onElected != nil {
		onElected(apis.ElectedEvent{Identity: l.identity, Trigger: TriggerElection, At: now})
	}
}

// onStoppedLeading runs whenever the elector exits, including shutdown
func (l *LeaderElectionManager) onStoppedLeading(ctx context.Context) {
	wasLeader := l.stepDown()

	if ctx.Err() != nil {
		l.logger.Info("Stopped leading on shutdown", "was-leader", wasLeader)
		return
	}

	l.logger.Info("Lost leadership")
	l.mu.RLock()
	onLost := l.onLost
	l.mu.RUnlock()
	if onLost != nil {
		onLost()
	}
}

func (l *LeaderElectionManager) stepDown() bool {
	l.mu.Lock()
	wasLeader := l.state.IsLeader
	l.state.StepDown()
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.SetLeader(l.identity, false)
	}
	return wasLeader
}

func (l *LeaderElectionManager) onNewLeader(identity string) {
	l.mu.Lock()
	l.state.ObserveLeader(identity, l.clock.Now())
	l.mu.Unlock()

	l.logger.Info("New leader elected", "new-leader", identity, "is-self", identity == l.identity)
}

// IsLeader returns true if this instance currently holds the lease
func (l *LeaderElectionManager) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.IsLeader
}

// GetIdentity returns the identity of this instance
func (l *LeaderElectionManager) GetIdentity() string {
	return l.identity
}

// State returns a copy of the leadership state
func (l *LeaderElectionManager) State() apis.LeadershipState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return *l.state
}

// Enabled reports whether a lease backs the election
func (l *LeaderElectionManager) Enabled() bool {
	return l.election.Enabled
}

// GetLeaseInfo reads the Lease object backing the election
func (l *LeaderElectionManager) GetLeaseInfo(ctx context.Context) (*LeaseInfo, error) {
	lease, err := l.kubeClient.CoordinationV1().Leases(l.namespace).Get(ctx, l.election.ID, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get lease %s/%s: %w", l.namespace, l.election.ID, err)
	}

	info := &LeaseInfo{
		Name:      lease.Name,
		Namespace: lease.Namespace,
	}
	if lease.Spec.HolderIdentity != nil {
		info.HolderIdentity = *lease.Spec.HolderIdentity
	}
	if lease.Spec.LeaseTransitions != nil {
		info.LeaderTransitions = *lease.Spec.LeaseTransitions
	}
	if lease.Spec.RenewTime != nil {
		info.RenewTime = lease.Spec.RenewTime.Time
	}
	return info, nil
}

// LeaseInfo contains information about the lease object
type LeaseInfo struct {
	Name              string    `json:"name"`
	Namespace         string    `json:"namespace"`
	HolderIdentity    string    `json:"holderIdentity"`
	LeaderTransitions int32     `json:"leaderTransitions"`
	RenewTime         time.Time `json:"renewTime"`
}
