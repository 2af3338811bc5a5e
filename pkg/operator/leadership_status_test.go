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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	coordinationv1 "k8s.io/api/coordination/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
)

var _ = Describe("LeadershipStatus", func() {
	It("should report only local state without leader election", func() {
		f := newFixture(testConfiguration(), newClientset())

		status := f.operator.LeadershipStatus(context.Background())
		Expect(status.State.Identity).To(Equal(testIdentity))
		Expect(status.Lease).To(BeNil())
		Expect(status.LeaseError).To(BeEmpty())
	})

	It("should include the lease as the API server sees it", func() {
		cfg := testConfiguration()
		cfg.Operator.LeaderElection.Enabled = true
		renew := metav1.NewMicroTime(metav1.Now().Rfc3339Copy().Time)
		lease := &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{Name: cfg.Operator.LeaderElection.ID, Namespace: testNamespace},
			Spec: coordinationv1.LeaseSpec{
				HolderIdentity:   ptr.To("agent-operator-1"),
				LeaseTransitions: ptr.To[int32](3),
				RenewTime:        &renew,
			},
		}
		f := newFixture(cfg, newClientset(lease))

		status := f.operator.LeadershipStatus(context.Background())
		Expect(status.LeaseError).To(BeEmpty())
		Expect(status.Lease).NotTo(BeNil())
		Expect(status.Lease.Name).To(Equal(cfg.Operator.LeaderElection.ID))
		Expect(status.Lease.HolderIdentity).To(Equal("agent-operator-1"))
		Expect(status.Lease.LeaderTransitions).To(Equal(int32(3)))
		Expect(status.Lease.RenewTime.Equal(renew.Time)).To(BeTrue())
	})

	It("should report a missing lease", func() {
		cfg := testConfiguration()
		cfg.Operator.LeaderElection.Enabled = true
		f := newFixture(cfg, newClientset())

		status := f.operator.LeadershipStatus(context.Background())
		Expect(status.Lease).To(BeNil())
		Expect(status.LeaseError).To(ContainSubstring("failed to get lease"))
	})
})
