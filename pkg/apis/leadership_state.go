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

package apis

import (
	"time"
)

// LeadershipState represents the lease election state of this operator instance
type LeadershipState struct {
	// Identity is this instance's lease holder identity
	Identity string `json:"identity"`

	// IsLeader indicates whether this instance currently holds the lease
	IsLeader bool `json:"isLeader"`

	// CurrentLeader is the last observed lease holder
	CurrentLeader string `json:"currentLeader"`

	// LeaseName is the name of the coordination lease
	LeaseName string `json:"leaseName"`

	// LeaseNamespace is the namespace of the coordination lease
	LeaseNamespace string `json:"leaseNamespace"`

	// AcquiredAt is when leadership was last acquired
	AcquiredAt time.Time `json:"acquiredAt,omitempty"`

	// Terms counts how many times this instance has been elected
	Terms int64 `json:"terms"`

	// Transitions counts observed changes of lease holder
	Transitions int64 `json:"transitions"`

	// LastTransition is when the lease holder last changed
	LastTransition time.Time `json:"lastTransition,omitempty"`
}

// NewLeadershipState creates a follower state for the given identity and lease
func NewLeadershipState(identity, leaseName, leaseNamespace string) *LeadershipState {
	return &LeadershipState{
		Identity:       identity,
		LeaseName:      leaseName,
		LeaseNamespace: leaseNamespace,
	}
}

// BecomeLeader transitions this instance to leader state
func (l *LeadershipState) BecomeLeader(now time.Time) {
	if !l.IsLeader {
		l.Terms++
	}
	l.IsLeader = true
	l.AcquiredAt = now
	l.ObserveLeader(l.Identity, now)
}

// StepDown transitions this instance to follower state
func (l *LeadershipState) StepDown() {
	l.IsLeader = false
}

// ObserveLeader records the identity of the current lease holder
func (l *LeadershipState) ObserveLeader(identity string, now time.Time) {
	if l.CurrentLeader == identity {
		return
	}
	if l.CurrentLeader != "" {
		l.Transitions++
	}
	l.CurrentLeader = identity
	l.LastTransition = now
}

// LeadershipDuration returns how long this instance has held the lease
func (l *LeadershipState) LeadershipDuration(now time.Time) time.Duration {
	if !l.IsLeader || l.AcquiredAt.IsZero() {
		return 0
	}
	return now.Sub(l.AcquiredAt)
}

// Role returns "leader" or "follower"
func (l *LeadershipState) Role() string {
	if l.IsLeader {
		return "leader"
	}
	return "follower"
}

// ElectedEvent is fired once per acquired lease term, and again by periodic
// resync while the lease is held.
type ElectedEvent struct {
	// Identity is the lease holder identity that was elected
	Identity string

	// Trigger is "election" or "resync"
	Trigger string

	At time.Time
}
