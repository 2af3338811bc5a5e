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
	"time"
)

// RunPhase is a step of the agent deployment pipeline
type RunPhase string

const (
	RunPhaseStart                  RunPhase = "Start"
	RunPhaseResolvingOwner         RunPhase = "ResolvingOwner"
	RunPhaseCreatingServiceAccount RunPhase = "CreatingServiceAccount"
	RunPhaseCreatingRBAC           RunPhase = "CreatingRBAC"
	RunPhaseCreatingSecret         RunPhase = "CreatingSecret"
	RunPhaseAwaitingConfigMap      RunPhase = "AwaitingConfigMap"
	RunPhaseCreatingDaemonSet      RunPhase = "CreatingDaemonSet"
	RunPhaseDone                   RunPhase = "Done"
	RunPhaseError                  RunPhase = "Error"
)

// Terminal reports whether no further step follows this phase
func (p RunPhase) Terminal() bool {
	return p == RunPhaseDone || p == RunPhaseError
}

// RunState describes the latest deployment run
type RunState struct {
	// ID is a short random identifier also attached to run log lines
	ID string `json:"id"`

	// Trigger names what started the run (election, resync)
	Trigger string `json:"trigger"`

	Phase      RunPhase  `json:"phase"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`

	// Created and Existing count resources by outcome in this run
	Created  int `json:"created"`
	Existing int `json:"existing"`

	LastError string `json:"lastError,omitempty"`
}

// Duration returns the run duration, or zero while it is still in progress
func (r RunState) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
