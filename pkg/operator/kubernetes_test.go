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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"
	ctrlfake "sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/yachiko/agent-operator/pkg/config"
)

var _ = Describe("KubernetesClientManager", func() {
	Describe("RequiredPermissions", func() {
		It("should include cluster RBAC only when RBAC is created", func() {
			without := RequiredPermissions(testNamespace, false)
			with := RequiredPermissions(testNamespace, true)

			Expect(with).To(HaveLen(len(without) + 2))
			Expect(with).To(ContainElement(Permission{Group: "rbac.authorization.k8s.io", Resource: "clusterroles", Verb: "create"}))
			Expect(without).To(ContainElement(Permission{Group: "apps", Resource: "daemonsets", Verb: "create", Namespace: testNamespace}))
			Expect(without[0].String()).To(Equal(":serviceaccounts:create"))
		})
	})

	Describe("ValidatePermissions", func() {
		It("should report nothing when every review is allowed", func() {
			mgr := NewKubernetesClientManagerFromClients(newClientset(), ctrlfake.NewClientBuilder().Build())

			denied, err := mgr.ValidatePermissions(context.Background(), RequiredPermissions(testNamespace, true))
			Expect(err).NotTo(HaveOccurred())
			Expect(denied).To(BeEmpty())
		})

		It("should return denied permissions", func() {
			clientset := newClientset()
			allowAccessReviews(clientset, false)
			mgr := NewKubernetesClientManagerFromClients(clientset, ctrlfake.NewClientBuilder().Build())

			perms := RequiredPermissions(testNamespace, false)
			denied, err := mgr.ValidatePermissions(context.Background(), perms)
			Expect(err).NotTo(HaveOccurred())
			Expect(denied).To(Equal(perms))
		})

		It("should fail on transport errors", func() {
			clientset := newClientset()
			clientset.PrependReactor("create", "selfsubjectaccessreviews", func(clienttesting.Action) (bool, runtime.Object, error) {
				return true, nil, errors.New("connection refused")
			})
			mgr := NewKubernetesClientManagerFromClients(clientset, ctrlfake.NewClientBuilder().Build())

			_, err := mgr.ValidatePermissions(context.Background(), RequiredPermissions(testNamespace, false))
			Expect(err).To(MatchError(ContainSubstring("connection refused")))
		})
	})

	Describe("GetClusterInfo", func() {
		It("should report the server version", func() {
			mgr := NewKubernetesClientManagerFromClients(newClientset(), ctrlfake.NewClientBuilder().Build())

			info, err := mgr.GetClusterInfo(context.Background(), testNamespace)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Namespace).To(Equal(testNamespace))
		})

		It("should fail when the namespace is missing", func() {
			mgr := NewKubernetesClientManagerFromClients(fake.NewSimpleClientset(), ctrlfake.NewClientBuilder().Build())

			_, err := mgr.GetClusterInfo(context.Background(), testNamespace)
			Expect(err).To(MatchError(ContainSubstring("failed to get namespace agent-system")))
		})
	})

	Describe("NewKubernetesClientManager", func() {
		It("should fail on an unreadable kubeconfig", func() {
			_, err := NewKubernetesClientManager(config.KubernetesConfig{Kubeconfig: "/nonexistent/kubeconfig", QPS: 5, Burst: 10})
			Expect(err).To(MatchError(ContainSubstring("failed to load kubeconfig from /nonexistent/kubeconfig")))
		})
	})

	It("should expose the wrapped clients", func() {
		clientset := newClientset()
		ctrlClient := ctrlfake.NewClientBuilder().Build()
		mgr := NewKubernetesClientManagerFromClients(clientset, ctrlClient)

		Expect(mgr.GetKubernetesClient()).To(BeIdenticalTo(clientset))
		Expect(mgr.GetControllerClient()).To(BeIdenticalTo(ctrlClient))
		Expect(mgr.GetRESTConfig()).NotTo(BeNil())
	})
})
