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

// Package kube holds the operator's cluster access: a narrow create/get
// client, watch factories and the watch-backed resource cache.
package kube

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/apiutil"
)

// Client is the subset of cluster operations the deployer needs
type Client interface {
	// Create submits obj. An already existing object is reported as an error
	// for which IsConflict returns true.
	Create(ctx context.Context, obj client.Object) error

	// Get reads namespace/name into obj. A missing object is (false, nil).
	Get(ctx context.Context, namespace, name string, obj client.Object) (bool, error)
}

// IsConflict reports whether err means the object already exists (HTTP 409)
func IsConflict(err error) bool {
	return apierrors.IsAlreadyExists(err) || apierrors.IsConflict(err)
}

// ResourceClient implements Client on top of a controller-runtime client
type ResourceClient struct {
	client client.Client
}

// NewResourceClient wraps c
func NewResourceClient(c client.Client) *ResourceClient {
	return &ResourceClient{client: c}
}

// Create implements Client
func (r *ResourceClient) Create(ctx context.Context, obj client.Object) error {
	return r.client.Create(ctx, obj)
}

// Get implements Client
func (r *ResourceClient) Get(ctx context.Context, namespace, name string, obj client.Object) (bool, error) {
	err := r.client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, obj)
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// KindOf returns the kind of a built-in object, falling back to its Go type
func KindOf(obj runtime.Object) string {
	gvk, err := apiutil.GVKForObject(obj, clientgoscheme.Scheme)
	if err != nil {
		return fmt.Sprintf("%T", obj)
	}
	return gvk.Kind
}

// KeyOf renders an object key for log and error messages
func KeyOf(obj client.Object) string {
	if obj.GetNamespace() == "" {
		return obj.GetName()
	}
	return obj.GetNamespace() + "/" + obj.GetName()
}
