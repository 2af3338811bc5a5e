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
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/types"
)

var _ = Describe("AgentConfiguration", func() {
	Describe("ImageSpec.Reference", func() {
		It("should join name and tag", func() {
			Expect(ImageSpec{Name: "example/agent", Tag: "1.2"}.Reference()).To(Equal("example/agent:1.2"))
		})

		It("should return the bare name without a tag", func() {
			Expect(ImageSpec{Name: "example/agent"}.Reference()).To(Equal("example/agent"))
		})
	})

	Describe("ResourceSpec.Requirements", func() {
		It("should omit zero quantities", func() {
			spec := ResourceSpec{
				CPURequest:  resource.MustParse("500m"),
				MemoryLimit: resource.MustParse("512Mi"),
			}

			req := spec.Requirements()
			Expect(req.Requests).To(HaveLen(1))
			Expect(req.Limits).To(HaveLen(1))
			Expect(req.Requests.Cpu().String()).To(Equal("500m"))
			Expect(req.Limits.Memory().String()).To(Equal("512Mi"))
		})
	})

	Describe("Clone", func() {
		It("should not share quantities with the original", func() {
			original := &AgentConfiguration{
				Namespace: "agent-system",
				Resources: ResourceSpec{CPURequest: resource.MustParse("1")},
			}

			clone := original.Clone()
			clone.Resources.CPURequest.Add(resource.MustParse("1"))
			clone.Namespace = "other"

			Expect(original.Resources.CPURequest.String()).To(Equal("1"))
			Expect(original.Namespace).To(Equal("agent-system"))
		})

		It("should handle nil", func() {
			var cfg *AgentConfiguration
			Expect(cfg.Clone()).To(BeNil())
		})
	})

	Describe("ProxySpec.Enabled", func() {
		It("should depend on the host", func() {
			Expect(ProxySpec{}.Enabled()).To(BeFalse())
			Expect(ProxySpec{Host: "proxy.local"}.Enabled()).To(BeTrue())
		})
	})
})

var _ = Describe("OwnerReference", func() {
	var owner OwnerReference

	BeforeEach(func() {
		owner = OwnerReference{
			APIVersion: "apps/v1",
			Kind:       "Deployment",
			Namespace:  "agent-system",
			Name:       "agent-operator",
			UID:        types.UID("1234"),
		}
	})

	It("should convert to a controller owner reference", func() {
		ref := owner.ToMeta()
		Expect(ref.APIVersion).To(Equal("apps/v1"))
		Expect(ref.Kind).To(Equal("Deployment"))
		Expect(ref.Name).To(Equal("agent-operator"))
		Expect(ref.UID).To(Equal(types.UID("1234")))
		Expect(ref.Controller).NotTo(BeNil())
		Expect(*ref.Controller).To(BeTrue())
	})

	It("should convert to an event involved object", func() {
		Expect(owner.ObjectReference()).To(Equal(corev1.ObjectReference{
			APIVersion: "apps/v1",
			Kind:       "Deployment",
			Namespace:  "agent-system",
			Name:       "agent-operator",
			UID:        types.UID("1234"),
		}))
	})

	It("should report zero only when unresolved", func() {
		Expect(OwnerReference{}.IsZero()).To(BeTrue())
		Expect(owner.IsZero()).To(BeFalse())
	})
})

var _ = Describe("EventRecord", func() {
	It("should keep the first timestamp and count concurrently", func() {
		first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		record := NewEventRecord(first)

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				record.Increment()
			}()
		}
		wg.Wait()

		Expect(record.Count()).To(Equal(int32(50)))
		Expect(record.FirstTimestamp()).To(Equal(first))
	})
})

var _ = Describe("RunState", func() {
	It("should report terminal phases", func() {
		Expect(RunPhaseDone.Terminal()).To(BeTrue())
		Expect(RunPhaseError.Terminal()).To(BeTrue())
		Expect(RunPhaseCreatingSecret.Terminal()).To(BeFalse())
	})

	It("should report a duration only once finished", func() {
		start := time.Now()
		state := RunState{StartedAt: start}
		Expect(state.Duration()).To(BeZero())

		state.FinishedAt = start.Add(3 * time.Second)
		Expect(state.Duration()).To(Equal(3 * time.Second))
	})
})
