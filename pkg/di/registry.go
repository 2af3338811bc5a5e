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

package di

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.uber.org/dig"
	"k8s.io/client-go/kubernetes"

	"github.com/yachiko/agent-operator/pkg/agent"
	"github.com/yachiko/agent-operator/pkg/config"
	"github.com/yachiko/agent-operator/pkg/events"
	"github.com/yachiko/agent-operator/pkg/fatal"
	"github.com/yachiko/agent-operator/pkg/kube"
	"github.com/yachiko/agent-operator/pkg/logging"
	"github.com/yachiko/agent-operator/pkg/metrics"
	"github.com/yachiko/agent-operator/pkg/operator"
	"github.com/yachiko/agent-operator/pkg/ownerref"
	"github.com/yachiko/agent-operator/pkg/workers"
)

// ServiceRegistry registers all operator services with the DI container
type ServiceRegistry struct {
	container  *Container
	configFile string
	clients    *operator.KubernetesClientManager
	exit       fatal.ExitFunc
}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(container *Container) *ServiceRegistry {
	return &ServiceRegistry{
		container: container,
	}
}

// WithConfigFile sets the configuration file path
func (r *ServiceRegistry) WithConfigFile(configFile string) *ServiceRegistry {
	r.configFile = configFile
	return r
}

// WithClients uses existing cluster clients instead of building them from
// the configuration
func (r *ServiceRegistry) WithClients(clients *operator.KubernetesClientManager) *ServiceRegistry {
	r.clients = clients
	return r
}

// WithExitFunc replaces the process exit used by the fatal bus
func (r *ServiceRegistry) WithExitFunc(exit fatal.ExitFunc) *ServiceRegistry {
	r.exit = exit
	return r
}

// RegisterAll registers every service, configuration first
func (r *ServiceRegistry) RegisterAll() error {
	steps := []struct {
		name     string
		register func() error
	}{
		{"configuration", r.RegisterConfiguration},
		{"logger", r.RegisterLogger},
		{"cluster clients", r.RegisterCluster},
		{"core services", r.RegisterCoreServices},
		{"operator", r.RegisterOperator},
	}
	for _, step := range steps {
		if err := step.register(); err != nil {
			return fmt.Errorf("failed to register %s: %w", step.name, err)
		}
	}
	return nil
}

// RegisterConfiguration registers the loader, the loaded configuration, its
// provider and the file watcher
func (r *ServiceRegistry) RegisterConfiguration() error {
	r.container.MustProvide(func() *config.Loader {
		loader := config.NewLoader()
		if r.configFile != "" {
			loader = loader.WithConfigFile(r.configFile)
		}
		return loader
	})

	r.container.MustProvide(func(loader *config.Loader) (*config.OperatorConfiguration, error) {
		return loader.Load()
	})

	r.container.MustProvide(config.NewProvider)

	r.container.MustProvide(func(loader *config.Loader, provider *config.Provider, logger logr.Logger) *config.Watcher {
		return config.NewWatcher(loader, provider, logger)
	})

	return nil
}

// RegisterLogger registers the structured logger built from the logging section
func (r *ServiceRegistry) RegisterLogger() error {
	r.container.MustProvide(func(cfg *config.OperatorConfiguration) (*logging.Logger, error) {
		return newLogger(&cfg.Observability.Logging)
	})

	r.container.MustProvide(func(logger *logging.Logger) logr.Logger {
		return logger.Logger
	})

	return nil
}

func newLogger(cfg *config.LoggingConfig) (*logging.Logger, error) {
	return logging.NewLogger(&logging.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		Output:      cfg.Output,
		AddCaller:   cfg.AddCaller,
		Development: cfg.Development,
	})
}

// RegisterCluster registers the client manager and the clients it owns
func (r *ServiceRegistry) RegisterCluster() error {
	r.container.MustProvide(func(cfg *config.OperatorConfiguration) (*operator.KubernetesClientManager, error) {
		if r.clients != nil {
			return r.clients, nil
		}
		return operator.NewKubernetesClientManager(cfg.Operator.Kubernetes)
	})

	r.container.MustProvide(func(clients *operator.KubernetesClientManager) kubernetes.Interface {
		return clients.GetKubernetesClient()
	})

	r.container.MustProvide(func(clients *operator.KubernetesClientManager) kube.Client {
		return kube.NewResourceClient(clients.GetControllerClient())
	})

	return nil
}

// RegisterCoreServices registers the bus, metrics, pool, reporter, resolver,
// deployer and election manager
func (r *ServiceRegistry) RegisterCoreServices() error {
	r.container.MustProvide(metrics.NewCollector)

	r.container.MustProvide(func(logger logr.Logger) *fatal.Bus {
		var opts []fatal.Option
		if r.exit != nil {
			opts = append(opts, fatal.WithExitFunc(r.exit))
		}
		return fatal.NewBus(logger, opts...)
	})

	r.container.MustProvide(func(cfg *config.OperatorConfiguration, bus *fatal.Bus, logger logr.Logger) *workers.Pool {
		return workers.NewPool(cfg.Operator.Workers, cfg.Operator.QueueSize, bus, logger)
	})

	r.container.MustProvide(func(cfg *config.OperatorConfiguration, clientset kubernetes.Interface, collector *metrics.Collector, logger logr.Logger) *events.Reporter {
		return events.NewReporter(clientset, logger,
			events.WithComponent(events.DefaultComponent, identity(cfg)),
			events.WithMetrics(collector),
			events.WithRateLimit(cfg.Operator.Events.QPS, cfg.Operator.Events.Burst),
		)
	})

	r.container.MustProvide(func(cfg *config.OperatorConfiguration, clientset kubernetes.Interface, logger logr.Logger) *ownerref.Resolver {
		return ownerref.NewResolver(clientset, cfg.Operator.Namespace, cfg.Operator.DeploymentName, cfg.Operator.PodName, logger)
	})

	r.container.MustProvide(func(
		c kube.Client,
		provider *config.Provider,
		resolver *ownerref.Resolver,
		bus *fatal.Bus,
		reporter *events.Reporter,
		collector *metrics.Collector,
		logger logr.Logger,
	) *agent.Deployer {
		return agent.NewDeployer(c, provider, resolver, bus, logger,
			agent.WithReporter(reporter),
			agent.WithMetrics(collector),
		)
	})

	r.container.MustProvide(func(cfg *config.OperatorConfiguration, clientset kubernetes.Interface, collector *metrics.Collector, logger logr.Logger) *operator.LeaderElectionManager {
		return operator.NewLeaderElectionManager(cfg.Operator.LeaderElection, cfg.Operator.Namespace, identity(cfg), clientset, logger,
			operator.WithLeaderMetrics(collector),
		)
	})

	return nil
}

type operatorParams struct {
	dig.In

	Provider  *config.Provider
	Clients   *operator.KubernetesClientManager
	Bus       *fatal.Bus
	Collector *metrics.Collector
	Pool      *workers.Pool
	Reporter  *events.Reporter
	Deployer  *agent.Deployer
	Election  *operator.LeaderElectionManager
	Watcher   *config.Watcher
	Logger    logr.Logger
}

// RegisterOperator registers the main operator service
func (r *ServiceRegistry) RegisterOperator() error {
	r.container.MustProvide(func(p operatorParams) (*operator.Operator, error) {
		op, err := operator.NewOperator(operator.Components{
			Provider:  p.Provider,
			Clients:   p.Clients,
			Bus:       p.Bus,
			Collector: p.Collector,
			Pool:      p.Pool,
			Reporter:  p.Reporter,
			Deployer:  p.Deployer,
			Election:  p.Election,
			Watcher:   p.Watcher,
			Logger:    p.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create operator: %w", err)
		}
		return op, nil
	})

	return nil
}

// identity is the lease holder and event reporting instance
func identity(cfg *config.OperatorConfiguration) string {
	if cfg.Operator.PodName != "" {
		return cfg.Operator.PodName
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "agent-operator-" + uuid.NewString()[:8]
}
