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
	"context"
	"fmt"

	"github.com/yachiko/agent-operator/pkg/config"
	"github.com/yachiko/agent-operator/pkg/fatal"
	"github.com/yachiko/agent-operator/pkg/logging"
	"github.com/yachiko/agent-operator/pkg/operator"
)

// ApplicationBuilder builds an Application with all dependencies registered
type ApplicationBuilder struct {
	container  *Container
	configFile string
	clients    *operator.KubernetesClientManager
	exit       fatal.ExitFunc
}

// NewApplicationBuilder creates a new application builder
func NewApplicationBuilder() *ApplicationBuilder {
	return &ApplicationBuilder{
		container: NewContainer(),
	}
}

// WithConfigFile sets the configuration file path
func (b *ApplicationBuilder) WithConfigFile(path string) *ApplicationBuilder {
	b.configFile = path
	return b
}

// WithClients uses existing cluster clients
func (b *ApplicationBuilder) WithClients(clients *operator.KubernetesClientManager) *ApplicationBuilder {
	b.clients = clients
	return b
}

// WithExitFunc replaces the process exit used on fatal errors
func (b *ApplicationBuilder) WithExitFunc(exit fatal.ExitFunc) *ApplicationBuilder {
	b.exit = exit
	return b
}

// Build registers every service and loads the configuration. Cluster clients
// and the operator are constructed lazily by Start.
func (b *ApplicationBuilder) Build(_ context.Context) (*Application, error) {
	registry := NewServiceRegistry(b.container).
		WithConfigFile(b.configFile).
		WithClients(b.clients).
		WithExitFunc(b.exit)
	if err := registry.RegisterAll(); err != nil {
		return nil, fmt.Errorf("failed to register services: %w", err)
	}

	cfg, err := Resolve[*config.OperatorConfiguration](b.container)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := Resolve[*logging.Logger](b.container)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return &Application{
		Config:    cfg,
		Logger:    logger,
		Container: b.container,
	}, nil
}

// Application is one configured operator process
type Application struct {
	Config    *config.OperatorConfiguration
	Logger    *logging.Logger
	Container *Container
}

// Operator resolves the operator from the container
func (a *Application) Operator() (*operator.Operator, error) {
	op, err := Resolve[*operator.Operator](a.Container)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve operator from DI container: %w", err)
	}
	return op, nil
}

// Start resolves the operator and runs it until ctx is done
func (a *Application) Start(ctx context.Context) error {
	op, err := a.Operator()
	if err != nil {
		return err
	}

	a.Logger.WithName("setup").Info("Operator resolved, starting",
		"namespace", a.Config.Operator.Namespace,
		"leader-election", a.Config.Operator.LeaderElection.Enabled,
		"metrics", a.Config.Observability.Metrics.Enabled,
	)

	if err := op.Start(ctx); err != nil {
		return fmt.Errorf("failed to start operator: %w", err)
	}
	return nil
}

// GetConfig returns the application configuration
func (a *Application) GetConfig() *config.OperatorConfiguration {
	return a.Config
}

// NewApplication creates an application configured from the environment only
func NewApplication(ctx context.Context) (*Application, error) {
	return NewApplicationBuilder().Build(ctx)
}

// NewApplicationWithConfig creates an application from configFile and the environment
func NewApplicationWithConfig(ctx context.Context, configFile string) (*Application, error) {
	return NewApplicationBuilder().WithConfigFile(configFile).Build(ctx)
}
