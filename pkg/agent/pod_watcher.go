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
	"context"
	"fmt"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"

	"github.com/yachiko/agent-operator/pkg/apis"
	"github.com/yachiko/agent-operator/pkg/kube"
)

// Pod lifecycle event names and reasons
const (
	EventAgentPodAdded    = "agent-pod-added"
	EventAgentPodDeleted  = "agent-pod-deleted"
	ReasonAgentPodAdded   = "AgentPodAdded"
	ReasonAgentPodDeleted = "AgentPodDeleted"
)

// OwnerSource exposes the owner reference once it has been resolved
type OwnerSource interface {
	Owner() (apis.OwnerReference, bool)
}

// PodWatcher narrates agent pod lifecycle changes seen by a pod cache
type PodWatcher struct {
	reporter EventReporter
	owners   OwnerSource
	logger   logr.Logger
}

// NewPodWatcher creates a watcher that reports through reporter
func NewPodWatcher(reporter EventReporter, owners OwnerSource, logger logr.Logger) *PodWatcher {
	return &PodWatcher{
		reporter: reporter,
		owners:   owners,
		logger:   logger.WithName("pod-watcher"),
	}
}

// OnApply is a kube.Listener for agent pods. Changes seen before the owner
// is known are only logged.
func (w *PodWatcher) OnApply(ctx context.Context, entry kube.CacheEntry[*corev1.Pod]) {
	var eventName, reason, message string
	pod := entry.Object

	switch entry.Type {
	case kube.Added:
		eventName, reason = EventAgentPodAdded, ReasonAgentPodAdded
		message = fmt.Sprintf("Agent pod %s added", entry.Key)
		if pod.Spec.NodeName != "" {
			message = fmt.Sprintf("Agent pod %s added on node %s", entry.Key, pod.Spec.NodeName)
		}
	case kube.Deleted:
		eventName, reason = EventAgentPodDeleted, ReasonAgentPodDeleted
		message = fmt.Sprintf("Agent pod %s deleted", entry.Key)
	default:
		return
	}

	owner, ok := w.owners.Owner()
	if !ok {
		w.logger.V(1).Info("Owner not resolved yet, skipping pod event", "pod", entry.Key, "type", entry.Type)
		return
	}

	w.reporter.Report(ctx, eventName, pod.Namespace, reason, message, owner)
}
