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
	"sync"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/yachiko/agent-operator/pkg/apis"
	"github.com/yachiko/agent-operator/pkg/config"
)

var _ = Describe("LeaderElectionManager", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		election config.LeaderElectionConfig
		recorder *leaderRecorder

		mu     sync.Mutex
		events []apis.ElectedEvent
	)

	electedEvents := func() []apis.ElectedEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]apis.ElectedEvent(nil), events...)
	}

	newManager := func(opts ...LeaderOption) *LeaderElectionManager {
		opts = append(opts, WithLeaderMetrics(recorder))
		m := NewLeaderElectionManager(election, testNamespace, testIdentity, newClientset(), logr.Discard(), opts...)
		m.OnElected(func(ev apis.ElectedEvent) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev)
		})
		return m
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		recorder = &leaderRecorder{}
		events = nil
		election = config.LeaderElectionConfig{
			Enabled:       true,
			ID:            "agent-operator-leader",
			LeaseDuration: 2 * time.Second,
			RenewDeadline: time.Second,
			RetryPeriod:   200 * time.Millisecond,
		}
	})

	AfterEach(func() {
		cancel()
	})

	Context("when election is disabled", func() {
		BeforeEach(func() {
			election.Enabled = false
		})

		It("should lead immediately and fire one elected event", func() {
			start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			m := newManager(WithLeaderClock(testingclock.NewFakePassiveClock(start)))

			done := make(chan error, 1)
			go func() { done <- m.Run(ctx) }()

			Eventually(m.IsLeader, 5*time.Second).Should(BeTrue())
			Expect(electedEvents()).To(Equal([]apis.ElectedEvent{
				{Identity: testIdentity, Trigger: TriggerElection, At: start},
			}))

			state := m.State()
			Expect(state.Terms).To(Equal(int64(1)))
			Expect(state.CurrentLeader).To(Equal(testIdentity))
			Expect(state.LeaseNamespace).To(Equal(testNamespace))

			cancel()
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
			Expect(m.IsLeader()).To(BeFalse())
			Expect(recorder.Updates()).To(Equal([]bool{true, false}))
		})
	})

	Context("when election is enabled", func() {
		It("should acquire the lease and release it on shutdown without escalating", func() {
			m := newManager()
			lost := false
			m.OnLost(func() { lost = true })

			done := make(chan error, 1)
			go func() { done <- m.Run(ctx) }()

			Eventually(m.IsLeader, 5*time.Second).Should(BeTrue())
			Eventually(electedEvents, 5*time.Second).Should(HaveLen(1))
			Expect(electedEvents()[0].Trigger).To(Equal(TriggerElection))

			info, err := m.GetLeaseInfo(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(info.HolderIdentity).To(Equal(testIdentity))
			Expect(info.Name).To(Equal("agent-operator-leader"))

			cancel()
			Eventually(done, 10*time.Second).Should(Receive(BeNil()))
			Expect(m.IsLeader()).To(BeFalse())
			Expect(lost).To(BeFalse())
		})

		It("should reject invalid timings", func() {
			election.RenewDeadline = election.LeaseDuration
			m := newManager()

			Expect(m.Run(ctx)).To(MatchError(ContainSubstring("failed to create leader elector")))
		})
	})

	Describe("losing the lease", func() {
		It("should call OnLost while the process is running", func() {
			m := newManager()
			lost := make(chan struct{}, 1)
			m.OnLost(func() { lost <- struct{}{} })

			m.onStartedLeading(ctx)
			Expect(m.IsLeader()).To(BeTrue())

			m.onStoppedLeading(context.Background())
			Expect(lost).To(Receive())
			Expect(m.IsLeader()).To(BeFalse())
		})

		It("should not call OnLost during shutdown", func() {
			m := newManager()
			lost := make(chan struct{}, 1)
			m.OnLost(func() { lost <- struct{}{} })

			m.onStartedLeading(ctx)
			cancel()
			m.onStoppedLeading(ctx)
			Expect(lost).NotTo(Receive())
		})
	})

	It("should count leader transitions", func() {
		m := newManager()
		m.onNewLeader("other-0")
		m.onNewLeader("other-0")
		m.onNewLeader(testIdentity)

		state := m.State()
		Expect(state.CurrentLeader).To(Equal(testIdentity))
		Expect(state.Transitions).To(Equal(int64(1)))
		Expect(state.IsLeader).To(BeFalse())
	})
})
