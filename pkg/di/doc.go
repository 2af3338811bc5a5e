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
Package di wires the operator with go.uber.org/dig.

Container wraps dig.Container. Supply and Resolve are typed helpers over
Provide and Invoke.

ServiceRegistry registers constructors in dependency order:

  - configuration: *config.Loader, *config.OperatorConfiguration,
    *config.Provider, *config.Watcher
  - logging: *logging.Logger and its logr.Logger
  - cluster: *operator.KubernetesClientManager, kubernetes.Interface, kube.Client
  - core: *metrics.Collector, *fatal.Bus, *workers.Pool, *events.Reporter,
    *ownerref.Resolver, *agent.Deployer, *operator.LeaderElectionManager
  - *operator.Operator

Nothing is constructed until it is resolved, so a registry can be built and
inspected without a cluster.

# Usage

	app, err := di.NewApplicationBuilder().
		WithConfigFile("/etc/agent-operator/config.yaml").
		Build(ctx)
	if err != nil {
		return err
	}
	return app.Start(ctx)
*/
package di
