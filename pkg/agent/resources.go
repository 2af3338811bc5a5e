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
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/yachiko/agent-operator/pkg/apis"
)

// Label keys applied to every managed resource
const (
	LabelName      = "app.kubernetes.io/name"
	LabelComponent = "app.kubernetes.io/component"
	LabelManagedBy = "app.kubernetes.io/managed-by"

	ManagedBy = "agent-operator"
)

// Keys inside the agent Secret and ConfigMap
const (
	SecretKeyAgentKey    = "key"
	SecretKeyDownloadKey = "downloadKey"
	ConfigurationFile    = "configuration.yaml"
)

const (
	containerName     = "agent"
	configVolume      = "configuration"
	configMountPath   = "/opt/agent/etc/configuration.yaml"
	defaultHTTPListen = "*"
)

// AgentLabels returns the labels shared by the agent resources
func AgentLabels(cfg *apis.AgentConfiguration) map[string]string {
	return map[string]string{
		LabelName:      cfg.DaemonSetName,
		LabelComponent: "agent",
		LabelManagedBy: ManagedBy,
	}
}

// PodSelector is the label selector matching the agent pods
func PodSelector(cfg *apis.AgentConfiguration) string {
	return LabelName + "=" + cfg.DaemonSetName
}

func objectMeta(cfg *apis.AgentConfiguration, namespace, name string, owner apis.OwnerReference) metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Name:            name,
		Namespace:       namespace,
		Labels:          AgentLabels(cfg),
		OwnerReferences: []metav1.OwnerReference{owner.ToMeta()},
	}
}

// ServiceAccount builds the agent service account
func ServiceAccount(cfg *apis.AgentConfiguration, owner apis.OwnerReference) *corev1.ServiceAccount {
	return &corev1.ServiceAccount{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "ServiceAccount"},
		ObjectMeta: objectMeta(cfg, cfg.Namespace, cfg.ServiceAccountName, owner),
	}
}

// ClusterRole builds the read-only role the agent needs to discover workloads
func ClusterRole(cfg *apis.AgentConfiguration, owner apis.OwnerReference) *rbacv1.ClusterRole {
	read := []string{"get", "list", "watch"}
	return &rbacv1.ClusterRole{
		TypeMeta:   metav1.TypeMeta{APIVersion: rbacv1.SchemeGroupVersion.String(), Kind: "ClusterRole"},
		ObjectMeta: objectMeta(cfg, "", cfg.ClusterRoleName, owner),
		Rules: []rbacv1.PolicyRule{
			{
				APIGroups: []string{""},
				Resources: []string{"pods", "nodes", "namespaces", "endpoints", "services", "events", "replicationcontrollers", "componentstatuses"},
				Verbs:     read,
			},
			{
				APIGroups: []string{"apps"},
				Resources: []string{"deployments", "replicasets", "daemonsets", "statefulsets"},
				Verbs:     read,
			},
			{
				APIGroups: []string{"batch"},
				Resources: []string{"jobs", "cronjobs"},
				Verbs:     read,
			},
			{
				APIGroups: []string{"coordination.k8s.io"},
				Resources: []string{"leases"},
				Verbs:     []string{"get", "list", "watch", "create", "update"},
			},
			{
				NonResourceURLs: []string{"/version", "/healthz", "/metrics"},
				Verbs:           []string{"get"},
			},
		},
	}
}

// ClusterRoleBinding binds role to sa
func ClusterRoleBinding(cfg *apis.AgentConfiguration, sa *corev1.ServiceAccount, role *rbacv1.ClusterRole, owner apis.OwnerReference) *rbacv1.ClusterRoleBinding {
	return &rbacv1.ClusterRoleBinding{
		TypeMeta:   metav1.TypeMeta{APIVersion: rbacv1.SchemeGroupVersion.String(), Kind: "ClusterRoleBinding"},
		ObjectMeta: objectMeta(cfg, "", cfg.ClusterRoleBindingName, owner),
		RoleRef: rbacv1.RoleRef{
			APIGroup: rbacv1.GroupName,
			Kind:     "ClusterRole",
			Name:     role.Name,
		},
		Subjects: []rbacv1.Subject{{
			Kind:      rbacv1.ServiceAccountKind,
			Name:      sa.Name,
			Namespace: sa.Namespace,
		}},
	}
}

// Secret builds the Secret holding the agent key. Values are stored raw; the
// API encodes them on the wire.
func Secret(cfg *apis.AgentConfiguration, owner apis.OwnerReference) *corev1.Secret {
	data := map[string][]byte{
		SecretKeyAgentKey: []byte(cfg.Key),
	}
	if cfg.DownloadKey != "" {
		data[SecretKeyDownloadKey] = []byte(cfg.DownloadKey)
	}
	return &corev1.Secret{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Secret"},
		ObjectMeta: objectMeta(cfg, cfg.Namespace, cfg.SecretName, owner),
		Type:       corev1.SecretTypeOpaque,
		Data:       data,
	}
}

// DaemonSet builds the agent workload. sa, secret and configMap are the
// objects handled earlier in the same run.
func DaemonSet(cfg *apis.AgentConfiguration, sa *corev1.ServiceAccount, secret *corev1.Secret, configMap *corev1.ConfigMap, owner apis.OwnerReference) *appsv1.DaemonSet {
	labels := AgentLabels(cfg)
	selector := map[string]string{LabelName: cfg.DaemonSetName}

	return &appsv1.DaemonSet{
		TypeMeta:   metav1.TypeMeta{APIVersion: appsv1.SchemeGroupVersion.String(), Kind: "DaemonSet"},
		ObjectMeta: objectMeta(cfg, cfg.Namespace, cfg.DaemonSetName, owner),
		Spec: appsv1.DaemonSetSpec{
			Selector: &metav1.LabelSelector{MatchLabels: selector},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					ServiceAccountName: sa.Name,
					HostNetwork:        true,
					HostPID:            true,
					DNSPolicy:          corev1.DNSClusterFirstWithHostNet,
					Containers: []corev1.Container{{
						Name:            containerName,
						Image:           cfg.Image.Reference(),
						ImagePullPolicy: cfg.Image.PullPolicy,
						Env:             agentEnv(cfg, secret),
						Resources:       cfg.Resources.Requirements(),
						SecurityContext: &corev1.SecurityContext{Privileged: ptr.To(true)},
						VolumeMounts: []corev1.VolumeMount{{
							Name:      configVolume,
							MountPath: configMountPath,
							SubPath:   ConfigurationFile,
						}},
					}},
					Volumes: []corev1.Volume{{
						Name: configVolume,
						VolumeSource: corev1.VolumeSource{
							ConfigMap: &corev1.ConfigMapVolumeSource{
								LocalObjectReference: corev1.LocalObjectReference{Name: configMap.Name},
							},
						},
					}},
				},
			},
		},
	}
}

func agentEnv(cfg *apis.AgentConfiguration, secret *corev1.Secret) []corev1.EnvVar {
	env := []corev1.EnvVar{
		secretEnv("AGENT_KEY", secret.Name, SecretKeyAgentKey),
		{Name: "AGENT_ENDPOINT", Value: cfg.EndpointHost},
		{Name: "AGENT_ENDPOINT_PORT", Value: strconv.Itoa(int(cfg.EndpointPort))},
		{Name: "AGENT_ZONE", Value: cfg.Zone},
		{Name: "AGENT_MODE", Value: cfg.Mode},
		{Name: "AGENT_HTTP_LISTEN", Value: httpListen(cfg)},
		{
			Name: "AGENT_NODE_NAME",
			ValueFrom: &corev1.EnvVarSource{
				FieldRef: &corev1.ObjectFieldSelector{FieldPath: "spec.nodeName"},
			},
		},
	}

	if cfg.DownloadKey != "" {
		env = append(env, secretEnv("AGENT_DOWNLOAD_KEY", secret.Name, SecretKeyDownloadKey))
	}

	if cfg.Proxy.Enabled() {
		env = append(env,
			corev1.EnvVar{Name: "AGENT_PROXY_HOST", Value: cfg.Proxy.Host},
			corev1.EnvVar{Name: "AGENT_PROXY_PORT", Value: strconv.Itoa(int(cfg.Proxy.Port))},
			corev1.EnvVar{Name: "AGENT_PROXY_PROTOCOL", Value: cfg.Proxy.Protocol},
			corev1.EnvVar{Name: "AGENT_PROXY_USE_DNS", Value: strconv.FormatBool(cfg.Proxy.UseDNS)},
		)
		if cfg.Proxy.User != "" {
			env = append(env,
				corev1.EnvVar{Name: "AGENT_PROXY_USER", Value: cfg.Proxy.User},
				corev1.EnvVar{Name: "AGENT_PROXY_PASSWORD", Value: cfg.Proxy.Password},
			)
		}
	}
	return env
}

func secretEnv(name, secretName, key string) corev1.EnvVar {
	return corev1.EnvVar{
		Name: name,
		ValueFrom: &corev1.EnvVarSource{
			SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: secretName},
				Key:                  key,
			},
		},
	}
}

func httpListen(cfg *apis.AgentConfiguration) string {
	if cfg.HTTPListen == "" {
		return defaultHTTPListen
	}
	return cfg.HTTPListen
}
