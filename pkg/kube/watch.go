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

package kube

import (
	"context"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

// WatchFactory opens a watch stream for one resource kind
type WatchFactory func(ctx context.Context, clientset kubernetes.Interface) (watch.Interface, error)

// PodWatch watches pods in namespace matching labelSelector
func PodWatch(namespace, labelSelector string) WatchFactory {
	return func(ctx context.Context, clientset kubernetes.Interface) (watch.Interface, error) {
		return clientset.CoreV1().Pods(namespace).Watch(ctx, metav1.ListOptions{
			LabelSelector: labelSelector,
		})
	}
}

// DaemonSetWatch watches DaemonSets in namespace matching labelSelector
func DaemonSetWatch(namespace, labelSelector string) WatchFactory {
	return func(ctx context.Context, clientset kubernetes.Interface) (watch.Interface, error) {
		return clientset.AppsV1().DaemonSets(namespace).Watch(ctx, metav1.ListOptions{
			LabelSelector: labelSelector,
		})
	}
}
