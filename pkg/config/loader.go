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

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix prefixes every configuration environment variable
const DefaultEnvPrefix = "AGENT_OPERATOR"

// DefaultNamespaceFile is where the in-cluster service account namespace is mounted
const DefaultNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// Loader handles loading configuration from various sources
type Loader struct {
	// ConfigFile is the path to the YAML configuration file
	ConfigFile string

	// EnvPrefix is the prefix for environment variables
	EnvPrefix string

	// NamespaceFile supplies the namespace when neither file nor env sets one
	NamespaceFile string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		EnvPrefix:     DefaultEnvPrefix,
		NamespaceFile: DefaultNamespaceFile,
	}
}

// WithConfigFile sets the configuration file path
func (l *Loader) WithConfigFile(path string) *Loader {
	l.ConfigFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.EnvPrefix = prefix
	return l
}

// WithNamespaceFile sets the service account namespace file
func (l *Loader) WithNamespaceFile(path string) *Loader {
	l.NamespaceFile = path
	return l
}

// Load loads configuration from all sources in priority order:
// 1. Default configuration
// 2. Configuration file (if specified)
// 3. Environment variables
// 4. Pod environment (POD_NAMESPACE, POD_NAME, hostname) for unset identity fields
func (l *Loader) Load() (*OperatorConfiguration, error) {
	config := DefaultConfig()

	if l.ConfigFile != "" {
		if err := l.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	l.loadFromEnv(config)
	l.loadIdentity(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func (l *Loader) loadFromFile(config *OperatorConfiguration) error {
	data, err := os.ReadFile(l.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", l.ConfigFile, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(config *OperatorConfiguration) {
	op := &config.Operator
	l.setString("OPERATOR_NAMESPACE", &op.Namespace)
	l.setString("OPERATOR_DEPLOYMENT_NAME", &op.DeploymentName)
	l.setString("OPERATOR_POD_NAME", &op.PodName)
	l.setInt("OPERATOR_WORKERS", &op.Workers)
	l.setInt("OPERATOR_QUEUE_SIZE", &op.QueueSize)
	l.setBool("OPERATOR_WATCH_AGENT_PODS", &op.WatchAgentPods)
	l.setString("OPERATOR_RESYNC_SCHEDULE", &op.Resync.Schedule)

	l.setBool("LEADER_ELECTION_ENABLED", &op.LeaderElection.Enabled)
	l.setString("LEADER_ELECTION_ID", &op.LeaderElection.ID)
	l.setDuration("LEADER_ELECTION_LEASE_DURATION", &op.LeaderElection.LeaseDuration)
	l.setDuration("LEADER_ELECTION_RENEW_DEADLINE", &op.LeaderElection.RenewDeadline)
	l.setDuration("LEADER_ELECTION_RETRY_PERIOD", &op.LeaderElection.RetryPeriod)

	l.setString("KUBERNETES_KUBECONFIG", &op.Kubernetes.Kubeconfig)
	if val := l.getEnv("KUBERNETES_QPS"); val != "" {
		if f, err := strconv.ParseFloat(val, 32); err == nil {
			op.Kubernetes.QPS = float32(f)
		}
	}
	l.setInt("KUBERNETES_BURST", &op.Kubernetes.Burst)
	if val := l.getEnv("EVENTS_QPS"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			op.Events.QPS = f
		}
	}
	l.setInt("EVENTS_BURST", &op.Events.Burst)

	agent := &config.Agent
	l.setString("AGENT_SERVICE_ACCOUNT_NAME", &agent.ServiceAccountName)
	l.setString("AGENT_CLUSTER_ROLE_NAME", &agent.ClusterRoleName)
	l.setString("AGENT_CLUSTER_ROLE_BINDING_NAME", &agent.ClusterRoleBindingName)
	l.setString("AGENT_SECRET_NAME", &agent.SecretName)
	l.setString("AGENT_CONFIG_MAP_NAME", &agent.ConfigMapName)
	l.setString("AGENT_DAEMON_SET_NAME", &agent.DaemonSetName)
	l.setBool("AGENT_RBAC_CREATE", &agent.RBAC.Create)
	l.setString("AGENT_KEY", &agent.Key)
	l.setString("AGENT_DOWNLOAD_KEY", &agent.DownloadKey)
	l.setString("AGENT_ZONE", &agent.Zone)
	l.setString("AGENT_MODE", &agent.Mode)
	l.setString("AGENT_HTTP_LISTEN", &agent.HTTPListen)
	l.setString("AGENT_ENDPOINT_HOST", &agent.Endpoint.Host)
	l.setInt("AGENT_ENDPOINT_PORT", &agent.Endpoint.Port)
	l.setString("AGENT_IMAGE_NAME", &agent.Image.Name)
	l.setString("AGENT_IMAGE_TAG", &agent.Image.Tag)
	l.setString("AGENT_IMAGE_PULL_POLICY", &agent.Image.PullPolicy)
	l.setString("AGENT_CPU_REQUEST", &agent.Resources.Requests.CPU)
	l.setString("AGENT_MEMORY_REQUEST", &agent.Resources.Requests.Memory)
	l.setString("AGENT_CPU_LIMIT", &agent.Resources.Limits.CPU)
	l.setString("AGENT_MEMORY_LIMIT", &agent.Resources.Limits.Memory)
	l.setString("AGENT_PROXY_HOST", &agent.Proxy.Host)
	l.setInt("AGENT_PROXY_PORT", &agent.Proxy.Port)
	l.setString("AGENT_PROXY_PROTOCOL", &agent.Proxy.Protocol)
	l.setString("AGENT_PROXY_USER", &agent.Proxy.User)
	l.setString("AGENT_PROXY_PASSWORD", &agent.Proxy.Password)
	l.setBool("AGENT_PROXY_USE_DNS", &agent.Proxy.UseDNS)

	obs := &config.Observability
	l.setBool("METRICS_ENABLED", &obs.Metrics.Enabled)
	l.setString("METRICS_BIND_ADDRESS", &obs.Metrics.BindAddress)
	l.setString("LOGGING_LEVEL", &obs.Logging.Level)
	l.setString("LOGGING_FORMAT", &obs.Logging.Format)
	l.setString("LOGGING_OUTPUT", &obs.Logging.Output)
	l.setBool("LOGGING_ADDCALLER", &obs.Logging.AddCaller)
	l.setBool("LOGGING_DEVELOPMENT", &obs.Logging.Development)
	l.setBool("HEALTH_ENABLED", &obs.Health.Enabled)
	l.setString("HEALTH_BIND_ADDRESS", &obs.Health.BindAddress)
}

// loadIdentity fills the namespace and pod name from the downward API
func (l *Loader) loadIdentity(config *OperatorConfiguration) {
	op := &config.Operator
	if op.Namespace == "" {
		op.Namespace = os.Getenv("POD_NAMESPACE")
	}
	if op.Namespace == "" && l.NamespaceFile != "" {
		if data, err := os.ReadFile(l.NamespaceFile); err == nil {
			op.Namespace = strings.TrimSpace(string(data))
		}
	}

	if op.DeploymentName == "" && op.PodName == "" {
		op.PodName = os.Getenv("POD_NAME")
		if op.PodName == "" {
			op.PodName, _ = os.Hostname()
		}
	}
}

// getEnv gets an environment variable with the configured prefix
func (l *Loader) getEnv(key string) string {
	return os.Getenv(l.EnvPrefix + "_" + key)
}

func (l *Loader) setString(key string, target *string) {
	if val := l.getEnv(key); val != "" {
		*target = val
	}
}

func (l *Loader) setBool(key string, target *bool) {
	if val := l.getEnv(key); val != "" {
		*target = l.parseBool(val, *target)
	}
}

func (l *Loader) setInt(key string, target *int) {
	if val := l.getEnv(key); val != "" {
		*target = l.parseInt(val, *target)
	}
}

func (l *Loader) setDuration(key string, target *time.Duration) {
	if val := l.getEnv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			*target = duration
		}
	}
}

// parseBool parses a boolean string, returning fallback on error
func (l *Loader) parseBool(val string, fallback bool) bool {
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return fallback
	}
}

// parseInt parses an integer string, returning fallback on error
func (l *Loader) parseInt(val string, fallback int) int {
	if i, err := strconv.Atoi(val); err == nil {
		return i
	}
	return fallback
}

// Save writes the configuration to a YAML file
func (c *OperatorConfiguration) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadFromFile is a convenience function to load configuration from a file
func LoadFromFile(filename string) (*OperatorConfiguration, error) {
	return NewLoader().WithConfigFile(filename).Load()
}
