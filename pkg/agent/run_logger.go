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
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/yachiko/agent-operator/pkg/apis"
)

// RunLogger carries the structured fields of one deployment run
type RunLogger struct {
	logr.Logger
	RunID   string
	Trigger string
}

// NewRunLogger creates a logger for a new run with a short random id
func NewRunLogger(base logr.Logger, trigger, identity string) *RunLogger {
	id := uuid.New().String()[:8]
	return &RunLogger{
		Logger: base.WithValues(
			"run_id", id,
			"trigger", trigger,
			"identity", identity,
		),
		RunID:   id,
		Trigger: trigger,
	}
}

// WithPhase adds the current pipeline phase
func (rl *RunLogger) WithPhase(phase apis.RunPhase) *RunLogger {
	return &RunLogger{
		Logger:  rl.Logger.WithValues("phase", string(phase)),
		RunID:   rl.RunID,
		Trigger: rl.Trigger,
	}
}

// WithResource adds the kind and key of a managed resource
func (rl *RunLogger) WithResource(kind, namespace, name string) logr.Logger {
	return rl.Logger.WithValues(
		"kind", kind,
		"namespace", namespace,
		"name", name,
	)
}

// RunStarted logs the start of a run
func (rl *RunLogger) RunStarted(msg string) {
	rl.Logger.Info(msg, "event", "run_started")
}

// RunCompleted logs a successful run with its outcome counts
func (rl *RunLogger) RunCompleted(msg string, state apis.RunState) {
	rl.Logger.Info(msg,
		"event", "run_completed",
		"created", state.Created,
		"existing", state.Existing,
		"duration_ms", state.Duration().Milliseconds(),
	)
}

// RunFailed logs a run that ended in a fatal signal
func (rl *RunLogger) RunFailed(err error, msg string, elapsed time.Duration) {
	rl.Logger.Error(err, msg,
		"event", "run_failed",
		"error_type", fmt.Sprintf("%T", err),
		"duration_ms", elapsed.Milliseconds(),
	)
}
