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

// Package events reports operator status as cluster Event objects. Each event
// name keeps a process-wide counter and first timestamp, so repeated reports
// of the same name read as one growing series.
package events

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"

	"github.com/yachiko/agent-operator/pkg/apis"
)

// DefaultComponent is the event source component
const DefaultComponent = "agent-operator"

// MetricsRecorder receives the outcome of each submission
type MetricsRecorder interface {
	RecordEvent(reason string, err error)
}

// Reporter submits deduplicated status events
type Reporter struct {
	clientset kubernetes.Interface
	logger    logr.Logger
	clock     clock.PassiveClock
	component string
	instance  string
	metrics   MetricsRecorder
	throttle  *throttle

	records sync.Map // event name -> *apis.EventRecord
}

// Option configures a Reporter
type Option func(*Reporter)

// WithClock replaces the wall clock
func WithClock(c clock.PassiveClock) Option {
	return func(r *Reporter) {
		r.clock = c
	}
}

// WithComponent sets the source component and reporting instance
func WithComponent(component, instance string) Option {
	return func(r *Reporter) {
		r.component = component
		r.instance = instance
	}
}

// WithMetrics records submissions on m
func WithMetrics(m MetricsRecorder) Option {
	return func(r *Reporter) {
		r.metrics = m
	}
}

// NewReporter creates a reporter that writes through clientset
func NewReporter(clientset kubernetes.Interface, logger logr.Logger, opts ...Option) *Reporter {
	r := &Reporter{
		clientset: clientset,
		logger:    logger.WithName("events"),
		clock:     clock.RealClock{},
		component: DefaultComponent,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report submits an event about owner. The returned event is the server's copy.
// Submission failures and throttled reports are logged and reported as
// (nil, false); they never escalate.
func (r *Reporter) Report(ctx context.Context, eventName, namespace, reason, message string, owner apis.OwnerReference) (*corev1.Event, bool) {
	now := r.clock.Now().UTC()

	value, _ := r.records.LoadOrStore(eventName, apis.NewEventRecord(now))
	record := value.(*apis.EventRecord)
	count := record.Increment()

	// The count is kept for throttled reports so the next submitted event
	// carries the true number of occurrences.
	if r.throttle != nil && !r.throttle.allow(reason) {
		if r.metrics != nil {
			r.metrics.RecordEvent(reason, ErrThrottled)
		}
		r.logger.V(1).Info("Dropped throttled event", "event", eventName, "reason", reason, "count", count)
		return nil, false
	}

	event := &corev1.Event{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: eventName + "-",
			Namespace:    namespace,
		},
		InvolvedObject:      owner.ObjectReference(),
		Reason:              reason,
		Message:             message,
		Type:                corev1.EventTypeNormal,
		Count:               count,
		FirstTimestamp:      metav1.NewTime(record.FirstTimestamp()),
		LastTimestamp:       metav1.NewTime(now),
		Source:              corev1.EventSource{Component: r.component},
		ReportingController: r.component,
		ReportingInstance:   r.instance,
	}

	created, err := r.clientset.CoreV1().Events(namespace).Create(ctx, event, metav1.CreateOptions{})
	if r.metrics != nil {
		r.metrics.RecordEvent(reason, err)
	}
	if err != nil {
		r.logger.Error(err, "Could not create event", "event", eventName, "namespace", namespace, "reason", reason)
		return nil, false
	}

	r.logger.V(1).Info("Reported event", "event", eventName, "reason", reason, "count", count)
	return created, true
}

// Count returns how many times eventName has been reported
func (r *Reporter) Count(eventName string) int32 {
	value, ok := r.records.Load(eventName)
	if !ok {
		return 0
	}
	return value.(*apis.EventRecord).Count()
}
