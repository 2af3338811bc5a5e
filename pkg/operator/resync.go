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
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"

	"github.com/yachiko/agent-operator/pkg/apis"
	"github.com/yachiko/agent-operator/pkg/config"
)

// Resyncer re-fires the elected event on a cron schedule while this instance
// leads. Runs only re-create missing objects.
type Resyncer struct {
	schedule cron.Schedule
	cron     *cron.Cron
	identity string
	leader   func() bool
	fire     func(apis.ElectedEvent)
	clock    clock.PassiveClock
	logger   logr.Logger

	fired atomic.Int64
}

// NewResyncer parses spec (5 fields, UTC) and schedules fire
func NewResyncer(spec, identity string, leader func() bool, fire func(apis.ElectedEvent), logger logr.Logger) (*Resyncer, error) {
	schedule, err := config.ParseSchedule(spec)
	if err != nil {
		return nil, err
	}

	log := logger.WithName("resync").WithValues("schedule", spec)
	r := &Resyncer{
		schedule: schedule,
		identity: identity,
		leader:   leader,
		fire:     fire,
		clock:    clock.RealClock{},
		logger:   log,
	}

	// cron's logger interface is satisfied by logr; its chatter goes to V(1)
	cronLog := log.V(1)
	r.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog)),
	)
	r.cron.Schedule(schedule, cron.FuncJob(r.Tick))
	return r, nil
}

// Start runs the scheduler until ctx is done
func (r *Resyncer) Start(ctx context.Context) error {
	r.logger.Info("Starting resync scheduler", "next", r.Next())
	r.cron.Start()
	<-ctx.Done()
	<-r.cron.Stop().Done()
	return nil
}

// Tick fires one resync if this instance leads
func (r *Resyncer) Tick() {
	if !r.leader() {
		r.logger.V(1).Info("Skipping resync, not the leader")
		return
	}
	r.fired.Add(1)
	r.logger.Info("Triggering resync run")
	r.fire(apis.ElectedEvent{Identity: r.identity, Trigger: TriggerResync, At: r.clock.Now()})
}

// Next returns the next scheduled tick
func (r *Resyncer) Next() time.Time {
	return r.schedule.Next(r.clock.Now().UTC())
}

// Fired returns how many resyncs have been triggered
func (r *Resyncer) Fired() int64 {
	return r.fired.Load()
}
