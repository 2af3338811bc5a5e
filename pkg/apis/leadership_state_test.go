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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LeadershipState", func() {
	var (
		state *LeadershipState
		now   time.Time
	)

	BeforeEach(func() {
		state = NewLeadershipState("operator-abc123", "agent-operator-leader", "agent-system")
		now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	})

	Describe("NewLeadershipState", func() {
		It("should start as a follower without a known leader", func() {
			Expect(state.IsLeader).To(BeFalse())
			Expect(state.Identity).To(Equal("operator-abc123"))
			Expect(state.LeaseName).To(Equal("agent-operator-leader"))
			Expect(state.LeaseNamespace).To(Equal("agent-system"))
			Expect(state.CurrentLeader).To(BeEmpty())
			Expect(state.Role()).To(Equal("follower"))
		})
	})

	Describe("BecomeLeader", func() {
		It("should record the acquisition and count the term", func() {
			state.BecomeLeader(now)

			Expect(state.IsLeader).To(BeTrue())
			Expect(state.AcquiredAt).To(Equal(now))
			Expect(state.CurrentLeader).To(Equal("operator-abc123"))
			Expect(state.Terms).To(Equal(int64(1)))
			Expect(state.Role()).To(Equal("leader"))
		})

		It("should not count a second term while still leading", func() {
			state.BecomeLeader(now)
			state.BecomeLeader(now.Add(time.Minute))

			Expect(state.Terms).To(Equal(int64(1)))
		})

		It("should count a new term after stepping down", func() {
			state.BecomeLeader(now)
			state.StepDown()
			state.BecomeLeader(now.Add(time.Minute))

			Expect(state.Terms).To(Equal(int64(2)))
		})
	})

	Describe("ObserveLeader", func() {
		It("should not count the first observed leader as a transition", func() {
			state.ObserveLeader("other", now)

			Expect(state.CurrentLeader).To(Equal("other"))
			Expect(state.Transitions).To(BeZero())
			Expect(state.LastTransition).To(Equal(now))
		})

		It("should count changes of lease holder", func() {
			state.ObserveLeader("other", now)
			state.ObserveLeader("other", now.Add(time.Second))
			state.ObserveLeader("operator-abc123", now.Add(2*time.Second))

			Expect(state.Transitions).To(Equal(int64(1)))
			Expect(state.LastTransition).To(Equal(now.Add(2 * time.Second)))
		})
	})

	Describe("LeadershipDuration", func() {
		It("should be zero for a follower", func() {
			Expect(state.LeadershipDuration(now)).To(BeZero())
		})

		It("should measure from acquisition", func() {
			state.BecomeLeader(now)
			Expect(state.LeadershipDuration(now.Add(90 * time.Second))).To(Equal(90 * time.Second))
		})
	})
})
