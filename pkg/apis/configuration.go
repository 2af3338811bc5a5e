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

// Package apis defines the core data types shared by the agent operator:
// the agent configuration snapshot, owner references, event bookkeeping and
// leadership/run state exposed on the status endpoint.
package apis

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

// AgentConfiguration is an immutable snapshot of everything needed to build the
// managed agent resources. It is captured once per reconciliation run.
type AgentConfiguration struct {
	// Namespace is where the operator runs and where namespaced resources are created
	Namespace string `json:"namespace"`

	// Resource names
	ServiceAccountName     string `json:"serviceAccountName"`
	ClusterRoleName        string `json:"clusterRoleName"`
	ClusterRoleBindingName string `json:"clusterRoleBindingName"`
	SecretName             string `json:"secretName"`
	ConfigMapName          string `json:"configMapName"`
	DaemonSetName          string `json:"daemonSetName"`

	// RBACCreate controls whether the ClusterRole and ClusterRoleBinding are created
	RBACCreate bool `json:"rbacCreate"`

	// Key is the agent key stored in the Secret
	Key string `json:"-"`

	// DownloadKey is optional and falls back to Key on the agent side
	DownloadKey string `json:"-"`

	Zone         string `json:"zone"`
	EndpointHost string `json:"endpointHost"`
	EndpointPort int32  `json:"endpointPort"`
	Mode         string `json:"mode"`
	HTTPListen   string `json:"httpListen"`

	Image     ImageSpec    `json:"image"`
	Resources ResourceSpec `json:"resources"`
	Proxy     ProxySpec    `json:"proxy"`
}

// ImageSpec identifies the agent container image
type ImageSpec struct {
	Name       string            `json:"name"`
	Tag        string            `json:"tag"`
	PullPolicy corev1.PullPolicy `json:"pullPolicy"`
}

// Reference returns the image in name:tag form
func (i ImageSpec) Reference() string {
	if i.Tag == "" {
		return i.Name
	}
	return fmt.Sprintf("%s:%s", i.Name, i.Tag)
}

// ResourceSpec holds the agent container requests and limits
type ResourceSpec struct {
	CPURequest    resource.Quantity `json:"cpuRequest"`
	MemoryRequest resource.Quantity `json:"memoryRequest"`
	CPULimit      resource.Quantity `json:"cpuLimit"`
	MemoryLimit   resource.Quantity `json:"memoryLimit"`
}

// Requirements converts the spec to container resource requirements.
// Zero quantities are omitted.
func (r ResourceSpec) Requirements() corev1.ResourceRequirements {
	req := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}
	setIfNonZero(req.Requests, corev1.ResourceCPU, r.CPURequest)
	setIfNonZero(req.Requests, corev1.ResourceMemory, r.MemoryRequest)
	setIfNonZero(req.Limits, corev1.ResourceCPU, r.CPULimit)
	setIfNonZero(req.Limits, corev1.ResourceMemory, r.MemoryLimit)
	return req
}

func setIfNonZero(list corev1.ResourceList, name corev1.ResourceName, q resource.Quantity) {
	if !q.IsZero() {
		list[name] = q.DeepCopy()
	}
}

// ProxySpec configures an outbound proxy for the agent
type ProxySpec struct {
	Host     string `json:"host"`
	Port     int32  `json:"port"`
	Protocol string `json:"protocol"`
	User     string `json:"user"`
	Password string `json:"-"`
	UseDNS   bool   `json:"useDNS"`
}

// Enabled reports whether a proxy host is configured
func (p ProxySpec) Enabled() bool {
	return p.Host != ""
}

// Clone returns a deep copy of the configuration
func (c *AgentConfiguration) Clone() *AgentConfiguration {
	if c == nil {
		return nil
	}
	out := *c
	out.Resources = ResourceSpec{
		CPURequest:    c.Resources.CPURequest.DeepCopy(),
		MemoryRequest: c.Resources.MemoryRequest.DeepCopy(),
		CPULimit:      c.Resources.CPULimit.DeepCopy(),
		MemoryLimit:   c.Resources.MemoryLimit.DeepCopy(),
	}
	return &out
}
