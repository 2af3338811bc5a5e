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

package agent

import (
	"context"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/yachiko/agent-operator/pkg/kube"
)

var _ = Describe("PodWatcher", func() {
	var (
		reporter *recordingReporter
		pod      *corev1.Pod
	)

	entry := func(t kube.EventType) kube.CacheEntry[*corev1.Pod] {
		return kube.CacheEntry[*corev1.Pod]{Key: "agent-system/agent-x1", Type: t, Object: pod}
	}

	BeforeEach(func() {
		reporter = &recordingReporter{}
		pod = &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "agent-x1", Namespace: testNamespace},
			Spec:       corev1.PodSpec{NodeName: "node-a"},
		}
	})

	It("should report added and deleted pods against the owner", func() {
		w := NewPodWatcher(reporter, staticOwner{ref: testOwner, ok: true}, logr.Discard())

		w.OnApply(context.Background(), entry(kube.Added))
		w.OnApply(context.Background(), entry(kube.Deleted))

		events := reporter.Events()
		Expect(events).To(HaveLen(2))
		Expect(events[0].name).To(Equal(EventAgentPodAdded))
		Expect(events[0].message).To(ContainSubstring("node-a"))
		Expect(events[0].owner).To(Equal(testOwner))
		Expect(events[1].name).To(Equal(EventAgentPodDeleted))
		Expect(events[1].namespace).To(Equal(testNamespace))
	})

	It("should ignore modifications", func() {
		w := NewPodWatcher(reporter, staticOwner{ref: testOwner, ok: true}, logr.Discard())

		w.OnApply(context.Background(), entry(kube.Modified))

		Expect(reporter.Events()).To(BeEmpty())
	})

	It("should stay quiet until the owner is known", func() {
		w := NewPodWatcher(reporter, staticOwner{}, logr.Discard())

		w.OnApply(context.Background(), entry(kube.Added))

		Expect(reporter.Events()).To(BeEmpty())
	})
})
