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

/*
Package operator runs one agent operator process.

The Operator wires the components of the process together:

  - LeaderElectionManager campaigns for a coordination Lease. Each won term
    becomes an apis.ElectedEvent fired through a workers.Dispatcher, so the
    deployment run happens on the worker pool and never on the election
    goroutine. Losing a held lease is published on the fatal bus.
  - Resyncer re-fires the elected event on a cron schedule while leading.
  - The agent pod and DaemonSet caches mirror the deployed agent. The pod
    cache feeds the pod watcher, which reports lifecycle events.
  - The health server serves /healthz, /readyz and /status; the metrics
    server serves /metrics.
  - ShutdownManager runs the shutdown hooks once the root context ends.

# Architecture

	┌──────────────────────────────────────────┐
	│             Operator Process             │
	│                                          │
	│  LeaderElectionManager ── Resyncer       │
	│            │ ElectedEvent                │
	│            ▼                             │
	│  Dispatcher ──► worker pool ──► Deployer │
	│                                   │      │
	│  Caches (pods, daemonsets)        │      │
	│     └─► PodWatcher ──► Reporter   │      │
	│                                   ▼      │
	│  fatal.Bus ◄──── unrecoverable errors    │
	└──────────────────────────────────────────┘

# Usage

	op, err := operator.NewOperator(operator.Components{
		Provider: provider,
		Clients:  clients,
		Bus:      bus,
		Pool:     pool,
		Deployer: deployer,
		Election: election,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	return op.Start(ctx)

Start blocks until ctx is done or an HTTP server fails. Fatal conditions end
the process through the bus and never return from Start.

# Leader Election

	operator:
	  leaderElection:
	    enabled: true
	    id: agent-operator-leader
	    leaseDuration: 15s
	    renewDeadline: 10s
	    retryPeriod: 2s

The lease is released on shutdown so a standby replica takes over without
waiting for expiry. Check the holder with:

	kubectl get lease -n <namespace> agent-operator-leader -o yaml
*/
package operator
