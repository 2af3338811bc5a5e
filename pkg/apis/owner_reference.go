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

package apis

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
)

// OwnerReference identifies the operator's own Deployment. Every managed
// resource carries it so that removing the operator garbage-collects the agent.
type OwnerReference struct {
	APIVersion string    `json:"apiVersion"`
	Kind       string    `json:"kind"`
	Namespace  string    `json:"namespace"`
	Name       string    `json:"name"`
	UID        types.UID `json:"uid"`
}

// IsZero reports whether the reference has not been resolved
func (o OwnerReference) IsZero() bool {
	return o.UID == "" && o.Name == ""
}

// ToMeta converts the reference to the metadata form attached to owned objects
func (o OwnerReference) ToMeta() metav1.OwnerReference {
	return metav1.OwnerReference{
		APIVersion: o.APIVersion,
		Kind:       o.Kind,
		Name:       o.Name,
		UID:        o.UID,
		Controller: ptr.To(true),
	}
}

// ObjectReference converts the reference to an event involved object
func (o OwnerReference) ObjectReference() corev1.ObjectReference {
	return corev1.ObjectReference{
		APIVersion: o.APIVersion,
		Kind:       o.Kind,
		Namespace:  o.Namespace,
		Name:       o.Name,
		UID:        o.UID,
	}
}

func (o OwnerReference) String() string {
	return fmt.Sprintf("%s %s/%s (%s)", o.Kind, o.Namespace, o.Name, o.UID)
}
