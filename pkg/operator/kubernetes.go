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
	"fmt"

	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/yachiko/agent-operator/pkg/config"
)

// UserAgent identifies the operator to the API server
const UserAgent = "agent-operator"

// Permission is one access the operator needs in its namespace or cluster-wide
type Permission struct {
	Group     string
	Resource  string
	Verb      string
	Namespace string
}

func (p Permission) String() string {
	return fmt.Sprintf("%s:%s:%s", p.Group, p.Resource, p.Verb)
}

// RequiredPermissions lists the accesses a deployment run and the election need
func RequiredPermissions(namespace string, rbac bool) []Permission {
	perms := []Permission{
		{Resource: "serviceaccounts", Verb: "create", Namespace: namespace},
		{Resource: "secrets", Verb: "create", Namespace: namespace},
		{Resource: "configmaps", Verb: "get", Namespace: namespace},
		{Resource: "pods", Verb: "watch", Namespace: namespace},
		{Resource: "events", Verb: "create", Namespace: namespace},
		{Group: "apps", Resource: "daemonsets", Verb: "create", Namespace: namespace},
		{Group: "apps", Resource: "deployments", Verb: "get", Namespace: namespace},
		{Group: "apps", Resource: "replicasets", Verb: "get", Namespace: namespace},
		{Group: "coordination.k8s.io", Resource: "leases", Verb: "update", Namespace: namespace},
	}
	if rbac {
		perms = append(perms,
			Permission{Group: "rbac.authorization.k8s.io", Resource: "clusterroles", Verb: "create"},
			Permission{Group: "rbac.authorization.k8s.io", Resource: "clusterrolebindings", Verb: "create"},
		)
	}
	return perms
}

// KubernetesClientManager owns the REST config and the clients built from it
type KubernetesClientManager struct {
	restConfig *rest.Config
	kubeClient kubernetes.Interface
	ctrlClient client.Client
	scheme     *runtime.Scheme
}

// NewKubernetesClientManager builds clients from cfg. An empty kubeconfig
// path means in-cluster config or $KUBECONFIG.
func NewKubernetesClientManager(cfg config.KubernetesConfig) (*KubernetesClientManager, error) {
	restConfig, err := buildRESTConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize REST config: %w", err)
	}

	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("failed to add client-go scheme: %w", err)
	}

	kubeClient, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	ctrlClient, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("failed to create controller client: %w", err)
	}

	return &KubernetesClientManager{
		restConfig: restConfig,
		kubeClient: kubeClient,
		ctrlClient: ctrlClient,
		scheme:     scheme,
	}, nil
}

// NewKubernetesClientManagerFromClients wraps existing clients
func NewKubernetesClientManagerFromClients(kubeClient kubernetes.Interface, ctrlClient client.Client) *KubernetesClientManager {
	return &KubernetesClientManager{
		restConfig: &rest.Config{},
		kubeClient: kubeClient,
		ctrlClient: ctrlClient,
		scheme:     clientgoscheme.Scheme,
	}
}

func buildRESTConfig(cfg config.KubernetesConfig) (*rest.Config, error) {
	var (
		restConfig *rest.Config
		err        error
	)

	if cfg.Kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig from %s: %w", cfg.Kubeconfig, err)
		}
	} else {
		restConfig, err = ctrl.GetConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get kubernetes config: %w", err)
		}
	}

	restConfig.QPS = cfg.QPS
	restConfig.Burst = cfg.Burst
	restConfig.UserAgent = UserAgent
	return restConfig, nil
}

// GetRESTConfig returns the REST configuration
func (k *KubernetesClientManager) GetRESTConfig() *rest.Config {
	return k.restConfig
}

// GetKubernetesClient returns the typed clientset used for watches, events
// and the election lock
func (k *KubernetesClientManager) GetKubernetesClient() kubernetes.Interface {
	return k.kubeClient
}

// GetControllerClient returns the controller-runtime client used for creates
func (k *KubernetesClientManager) GetControllerClient() client.Client {
	return k.ctrlClient
}

// ClusterInfo contains information about the Kubernetes cluster
type ClusterInfo struct {
	Version      string
	APIServerURL string
	Namespace    string
}

// GetClusterInfo reads the server version and checks that namespace exists
func (k *KubernetesClientManager) GetClusterInfo(ctx context.Context, namespace string) (*ClusterInfo, error) {
	version, err := k.kubeClient.Discovery().ServerVersion()
	if err != nil {
		return nil, fmt.Errorf("failed to get server version: %w", err)
	}

	if _, err := k.kubeClient.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{}); err != nil {
		return nil, fmt.Errorf("failed to get namespace %s: %w", namespace, err)
	}

	return &ClusterInfo{
		Version:      version.String(),
		APIServerURL: k.restConfig.Host,
		Namespace:    namespace,
	}, nil
}

// ValidatePermissions asks the API server, through SelfSubjectAccessReview,
// which of perms are denied. A transport failure is returned as an error.
func (k *KubernetesClientManager) ValidatePermissions(ctx context.Context, perms []Permission) ([]Permission, error) {
	var denied []Permission
	for _, perm := range perms {
		review := &authorizationv1.SelfSubjectAccessReview{
			Spec: authorizationv1.SelfSubjectAccessReviewSpec{
				ResourceAttributes: &authorizationv1.ResourceAttributes{
					Namespace: perm.Namespace,
					Verb:      perm.Verb,
					Group:     perm.Group,
					Resource:  perm.Resource,
				},
			},
		}

		result, err := k.kubeClient.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to review permission %s: %w", perm, err)
		}
		if !result.Status.Allowed {
			denied = append(denied, perm)
		}
	}
	return denied, nil
}
