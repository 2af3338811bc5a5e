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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/yachiko/agent-operator/pkg/apis"
)

func envValue(env []corev1.EnvVar, name string) (corev1.EnvVar, bool) {
	for _, e := range env {
		if e.Name == name {
			return e, true
		}
	}
	return corev1.EnvVar{}, false
}

var _ = Describe("Resource builders", func() {
	var cfg *apis.AgentConfiguration

	BeforeEach(func() {
		cfg = testConfig()
	})

	It("should attach labels and the owner to every resource", func() {
		objects := []metav1.Object{
			ServiceAccount(cfg, testOwner),
			ClusterRole(cfg, testOwner),
			Secret(cfg, testOwner),
		}
		for _, obj := range objects {
			Expect(obj.GetLabels()).To(HaveKeyWithValue(LabelName, "agent"))
			Expect(obj.GetLabels()).To(HaveKeyWithValue(LabelManagedBy, ManagedBy))
			Expect(obj.GetOwnerReferences()).To(ConsistOf(testOwner.ToMeta()))
		}
	})

	It("should keep cluster-scoped objects out of the namespace", func() {
		Expect(ClusterRole(cfg, testOwner).Namespace).To(BeEmpty())
		sa := ServiceAccount(cfg, testOwner)
		role := ClusterRole(cfg, testOwner)
		Expect(ClusterRoleBinding(cfg, sa, role, testOwner).Namespace).To(BeEmpty())
		Expect(sa.Namespace).To(Equal(testNamespace))
	})

	It("should bind the role to the service account", func() {
		sa := ServiceAccount(cfg, testOwner)
		role := ClusterRole(cfg, testOwner)

		binding := ClusterRoleBinding(cfg, sa, role, testOwner)

		Expect(binding.Name).To(Equal("agent-role-binding"))
		Expect(binding.RoleRef).To(Equal(rbacv1.RoleRef{APIGroup: rbacv1.GroupName, Kind: "ClusterRole", Name: "agent-role"}))
		Expect(binding.Subjects).To(ConsistOf(rbacv1.Subject{Kind: "ServiceAccount", Name: "agent-sa", Namespace: testNamespace}))
	})

	Describe("Secret", func() {
		It("should hold the agent key", func() {
			secret := Secret(cfg, testOwner)

			Expect(secret.Name).To(Equal("agent-secret"))
			Expect(secret.Type).To(Equal(corev1.SecretTypeOpaque))
			Expect(secret.Data).To(HaveKeyWithValue(SecretKeyAgentKey, []byte("s3cr3t-key")))
			Expect(secret.Data).NotTo(HaveKey(SecretKeyDownloadKey))
		})

		It("should add the download key when configured", func() {
			cfg.DownloadKey = "download"

			Expect(Secret(cfg, testOwner).Data).To(HaveKeyWithValue(SecretKeyDownloadKey, []byte("download")))
		})
	})

	Describe("DaemonSet", func() {
		var (
			sa        *corev1.ServiceAccount
			secret    *corev1.Secret
			configMap *corev1.ConfigMap
		)

		BeforeEach(func() {
			sa = ServiceAccount(cfg, testOwner)
			secret = Secret(cfg, testOwner)
			configMap = &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: "agent-config", Namespace: testNamespace}}
		})

		It("should reference its prerequisites by name", func() {
			ds := DaemonSet(cfg, sa, secret, configMap, testOwner)

			spec := ds.Spec.Template.Spec
			Expect(spec.ServiceAccountName).To(Equal("agent-sa"))
			Expect(spec.HostNetwork).To(BeTrue())
			Expect(spec.Volumes).To(HaveLen(1))
			Expect(spec.Volumes[0].ConfigMap.Name).To(Equal("agent-config"))

			key, ok := envValue(spec.Containers[0].Env, "AGENT_KEY")
			Expect(ok).To(BeTrue())
			Expect(key.ValueFrom.SecretKeyRef.Name).To(Equal("agent-secret"))
			Expect(key.ValueFrom.SecretKeyRef.Key).To(Equal(SecretKeyAgentKey))
		})

		It("should select the pods it templates", func() {
			ds := DaemonSet(cfg, sa, secret, configMap, testOwner)

			for k, v := range ds.Spec.Selector.MatchLabels {
				Expect(ds.Spec.Template.Labels).To(HaveKeyWithValue(k, v))
			}
			Expect(PodSelector(cfg)).To(Equal(LabelName + "=agent"))
		})

		It("should carry image, endpoint and resources", func() {
			container := DaemonSet(cfg, sa, secret, configMap, testOwner).Spec.Template.Spec.Containers[0]

			Expect(container.Image).To(Equal("registry.example.com/agent:1.2.3"))
			Expect(container.ImagePullPolicy).To(Equal(corev1.PullIfNotPresent))
			Expect(container.Resources.Requests.Cpu().Equal(resource.MustParse("500m"))).To(BeTrue())
			Expect(container.Resources.Limits.Memory().Equal(resource.MustParse("1Gi"))).To(BeTrue())

			endpoint, _ := envValue(container.Env, "AGENT_ENDPOINT")
			Expect(endpoint.Value).To(Equal("ingress.example.com"))
			port, _ := envValue(container.Env, "AGENT_ENDPOINT_PORT")
			Expect(port.Value).To(Equal("443"))
			zone, _ := envValue(container.Env, "AGENT_ZONE")
			Expect(zone.Value).To(Equal("eu-west"))
			listen, _ := envValue(container.Env, "AGENT_HTTP_LISTEN")
			Expect(listen.Value).To(Equal("*"))
		})

		It("should omit proxy settings unless a proxy host is set", func() {
			container := DaemonSet(cfg, sa, secret, configMap, testOwner).Spec.Template.Spec.Containers[0]
			_, ok := envValue(container.Env, "AGENT_PROXY_HOST")
			Expect(ok).To(BeFalse())

			cfg.Proxy = apis.ProxySpec{Host: "proxy.local", Port: 3128, Protocol: "http", User: "u", Password: "p", UseDNS: true}
			container = DaemonSet(cfg, sa, secret, configMap, testOwner).Spec.Template.Spec.Containers[0]

			host, _ := envValue(container.Env, "AGENT_PROXY_HOST")
			Expect(host.Value).To(Equal("proxy.local"))
			port, _ := envValue(container.Env, "AGENT_PROXY_PORT")
			Expect(port.Value).To(Equal("3128"))
			user, _ := envValue(container.Env, "AGENT_PROXY_USER")
			Expect(user.Value).To(Equal("u"))
			dns, _ := envValue(container.Env, "AGENT_PROXY_USE_DNS")
			Expect(dns.Value).To(Equal("true"))
		})

		It("should read the download key from the Secret", func() {
			cfg.DownloadKey = "download"
			container := DaemonSet(cfg, sa, Secret(cfg, testOwner), configMap, testOwner).Spec.Template.Spec.Containers[0]

			download, ok := envValue(container.Env, "AGENT_DOWNLOAD_KEY")
			Expect(ok).To(BeTrue())
			Expect(download.ValueFrom.SecretKeyRef.Key).To(Equal(SecretKeyDownloadKey))
		})
	})
})
