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

// Package ownerref finds the Deployment that runs the operator so that every
// managed resource can be garbage collected with it.
package ownerref

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/yachiko/agent-operator/pkg/apis"
)

// ErrNoOwner is returned when the controller chain does not end in a Deployment
var ErrNoOwner = errors.New("operator pod is not owned by a Deployment")

// Result carries the outcome of a resolution
type Result struct {
	Ref apis.OwnerReference
	Err error
}

// Resolver looks up the operator Deployment
type Resolver struct {
	clientset      kubernetes.Interface
	namespace      string
	deploymentName string
	podName        string
	logger         logr.Logger
}

// NewResolver creates a resolver. deploymentName wins over podName when both
// are set.
func NewResolver(clientset kubernetes.Interface, namespace, deploymentName, podName string, logger logr.Logger) *Resolver {
	return &Resolver{
		clientset:      clientset,
		namespace:      namespace,
		deploymentName: deploymentName,
		podName:        podName,
		logger:         logger.WithName("ownerref"),
	}
}

// Resolve starts the lookup and returns a channel that receives exactly one
// Result. The lookup has no timeout of its own; cancel ctx to abandon it.
func (r *Resolver) Resolve(ctx context.Context) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		ref, err := r.resolve(ctx)
		out <- Result{Ref: ref, Err: err}
	}()
	return out
}

func (r *Resolver) resolve(ctx context.Context) (apis.OwnerReference, error) {
	if r.deploymentName != "" {
		return r.fromDeployment(ctx, r.deploymentName)
	}
	if r.podName == "" {
		return apis.OwnerReference{}, errors.New("neither deployment name nor pod name is configured")
	}

	pod, err := r.clientset.CoreV1().Pods(r.namespace).Get(ctx, r.podName, metav1.GetOptions{})
	if err != nil {
		return apis.OwnerReference{}, fmt.Errorf("failed to get operator pod %s/%s: %w", r.namespace, r.podName, err)
	}

	owner := metav1.GetControllerOf(pod)
	if owner == nil || owner.Kind != "ReplicaSet" {
		return apis.OwnerReference{}, fmt.Errorf("pod %s/%s: %w", r.namespace, r.podName, ErrNoOwner)
	}

	rs, err := r.clientset.AppsV1().ReplicaSets(r.namespace).Get(ctx, owner.Name, metav1.GetOptions{})
	if err != nil {
		return apis.OwnerReference{}, fmt.Errorf("failed to get ReplicaSet %s/%s: %w", r.namespace, owner.Name, err)
	}

	owner = metav1.GetControllerOf(rs)
	if owner == nil || owner.Kind != "Deployment" {
		return apis.OwnerReference{}, fmt.Errorf("replicaset %s/%s: %w", r.namespace, rs.Name, ErrNoOwner)
	}

	return r.fromDeployment(ctx, owner.Name)
}

func (r *Resolver) fromDeployment(ctx context.Context, name string) (apis.OwnerReference, error) {
	deployment, err := r.clientset.AppsV1().Deployments(r.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return apis.OwnerReference{}, fmt.Errorf("failed to get Deployment %s/%s: %w", r.namespace, name, err)
	}

	ref := Of(deployment)
	r.logger.Info("Resolved operator owner", "owner", ref.String())
	return ref, nil
}

// Of builds the owner reference for deployment
func Of(deployment *appsv1.Deployment) apis.OwnerReference {
	return apis.OwnerReference{
		APIVersion: appsv1.SchemeGroupVersion.String(),
		Kind:       "Deployment",
		Namespace:  deployment.Namespace,
		Name:       deployment.Name,
		UID:        deployment.UID,
	}
}
