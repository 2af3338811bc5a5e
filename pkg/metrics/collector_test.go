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

package metrics

import (
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yachiko/agent-operator/pkg/apis"
	"github.com/yachiko/agent-operator/pkg/events"
)

var _ = Describe("Collector", func() {
	var collector *Collector

	BeforeEach(func() {
		collector = NewCollector()
	})

	Describe("NewCollector", func() {
		It("should create a collector with an initialised timestamp", func() {
			Expect(collector.lastUpdate).To(BeTemporally("~", time.Now(), time.Second))
			Expect(collector.GetMetricsSnapshot().TotalRuns).To(BeZero())
		})
	})

	Describe("Register", func() {
		It("should tolerate registering the same collector twice", func() {
			registry := prometheus.NewRegistry()
			Expect(collector.Register(registry)).To(Succeed())
			Expect(collector.Register(registry)).To(Succeed())
		})

		It("should expose metrics under the operator namespace", func() {
			registry := prometheus.NewRegistry()
			Expect(collector.Register(registry)).To(Succeed())
			collector.RecordResourceCreate("Secret", ResultCreated)

			families, err := registry.Gather()
			Expect(err).NotTo(HaveOccurred())
			for _, family := range families {
				Expect(strings.HasPrefix(family.GetName(), "agent_operator_")).To(BeTrue(), family.GetName())
			}
		})
	})

	Describe("RecordResourceCreate", func() {
		It("should count attempts by kind and result", func() {
			collector.RecordResourceCreate("ServiceAccount", ResultCreated)
			collector.RecordResourceCreate("ServiceAccount", ResultExists)
			collector.RecordResourceCreate("ServiceAccount", ResultExists)

			Expect(testutil.ToFloat64(collector.resourceCreations.WithLabelValues("ServiceAccount", ResultCreated))).To(Equal(1.0))
			Expect(testutil.ToFloat64(collector.resourceCreations.WithLabelValues("ServiceAccount", ResultExists))).To(Equal(2.0))
		})
	})

	Describe("RecordRun", func() {
		It("should count runs and keep the last phase", func() {
			collector.RecordRun("election", apis.RunPhaseDone, 2*time.Second)
			collector.RecordRun("resync", apis.RunPhaseError, time.Second)

			Expect(testutil.ToFloat64(collector.runs.WithLabelValues("election", "Done"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(collector.runs.WithLabelValues("resync", "Error"))).To(Equal(1.0))

			snapshot := collector.GetMetricsSnapshot()
			Expect(snapshot.TotalRuns).To(Equal(2))
			Expect(snapshot.LastPhase).To(Equal(apis.RunPhaseError))
		})
	})

	Describe("RecordEvent", func() {
		It("should separate successes from failures", func() {
			collector.RecordEvent("AgentDeployed", nil)
			collector.RecordEvent("AgentDeployed", errors.New("forbidden"))
			collector.RecordEvent("AgentPodAdded", events.ErrThrottled)

			Expect(testutil.ToFloat64(collector.eventsReported.WithLabelValues("AgentDeployed", "success"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(collector.eventsReported.WithLabelValues("AgentDeployed", ResultError))).To(Equal(1.0))
			Expect(testutil.ToFloat64(collector.eventsReported.WithLabelValues("AgentPodAdded", ResultThrottled))).To(Equal(1.0))
		})
	})

	Describe("gauges", func() {
		It("should publish cache sizes and leader status", func() {
			collector.SetCacheEntries("agent-pods", 3)
			collector.SetLeader("operator-1", true)

			Expect(testutil.ToFloat64(collector.cacheEntries.WithLabelValues("agent-pods"))).To(Equal(3.0))
			Expect(testutil.ToFloat64(collector.leaderStatus.WithLabelValues("operator-1"))).To(Equal(1.0))

			collector.SetLeader("operator-1", false)
			Expect(testutil.ToFloat64(collector.leaderStatus.WithLabelValues("operator-1"))).To(Equal(0.0))
		})
	})

	Describe("RecordFatal", func() {
		It("should count fatal signals", func() {
			collector.RecordFatal()
			Expect(testutil.ToFloat64(collector.fatalSignals)).To(Equal(1.0))
		})
	})

	Describe("ResetMetrics", func() {
		It("should clear vectors and run counters", func() {
			collector.RecordRun("election", apis.RunPhaseDone, time.Second)
			collector.RecordResourceCreate("Secret", ResultCreated)

			collector.ResetMetrics()

			Expect(testutil.CollectAndCount(collector.resourceCreations)).To(BeZero())
			Expect(collector.GetMetricsSnapshot().TotalRuns).To(BeZero())
		})
	})

	Describe("Timer", func() {
		It("should measure elapsed time", func() {
			timer := NewTimer()
			time.Sleep(5 * time.Millisecond)
			Expect(timer.Elapsed()).To(BeNumerically(">=", 5*time.Millisecond))
		})
	})
})
