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
	"sync/atomic"
	"time"
)

// EventRecord tracks how often an event name has been reported in this process.
// The first timestamp is fixed at construction.
type EventRecord struct {
	count          atomic.Int32
	firstTimestamp time.Time
}

// NewEventRecord creates a record first seen at the given time
func NewEventRecord(first time.Time) *EventRecord {
	return &EventRecord{firstTimestamp: first}
}

// Increment bumps the counter and returns the new value
func (r *EventRecord) Increment() int32 {
	return r.count.Add(1)
}

// Count returns the number of reports so far
func (r *EventRecord) Count() int32 {
	return r.count.Load()
}

// FirstTimestamp returns when the event name was first reported
func (r *EventRecord) FirstTimestamp() time.Time {
	return r.firstTimestamp
}
