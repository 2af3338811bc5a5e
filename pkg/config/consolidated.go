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

// Package config loads, validates and serves the operator configuration.
package config

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/yachiko/agent-operator/pkg/apis"
)

// OperatorConfiguration is the root configuration structure
type OperatorConfiguration struct {
	// Operator contains process-level settings; changes need a restart
	Operator OperatorConfig `yaml:"operator" json:"operator"`

	// Agent describes the deployed agent; read again on every run
	Agent AgentConfig `yaml:"agent" json:"agent"`

	// Observability contains metrics, logging, and health check configuration
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// OperatorConfig contains core operator configuration
type OperatorConfig struct {
	// Namespace is where the operator runs and the agent is deployed
	Namespace string `yaml:"namespace" json:"namespace"`

	// DeploymentName names the operator Deployment. When empty the owner is
	// found from PodName.
	DeploymentName string `yaml:"deploymentName" json:"deploymentName"`

	// PodName defaults to $POD_NAME, then the hostname
	PodName string `yaml:"podName" json:"podName"`

	// Workers is the size of the background worker pool
	Workers int `yaml:"workers" json:"workers"`

	// QueueSize bounds tasks waiting for a worker
	QueueSize int `yaml:"queueSize" json:"queueSize"`

	// WatchAgentPods reports agent pod lifecycle events
	WatchAgentPods bool `yaml:"watchAgentPods" json:"watchAgentPods"`

	LeaderElection LeaderElectionConfig `yaml:"leaderElection" json:"leaderElection"`
	Resync         ResyncConfig         `yaml:"resync" json:"resync"`
	Kubernetes     KubernetesConfig     `yaml:"kubernetes" json:"kubernetes"`
	Events         EventsConfig         `yaml:"events" json:"events"`
}

// LeaderElectionConfig contains leader election configuration
type LeaderElectionConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// ID is the Lease name
	ID string `yaml:"id" json:"id"`

	LeaseDuration time.Duration `yaml:"leaseDuration" json:"leaseDuration"`
	RenewDeadline time.Duration `yaml:"renewDeadline" json:"renewDeadline"`
	RetryPeriod   time.Duration `yaml:"retryPeriod" json:"retryPeriod"`
}

// ResyncConfig schedules repeated deployment runs while leading
type ResyncConfig struct {
	// Schedule is a 5-field cron expression; empty disables resync
	Schedule string `yaml:"schedule" json:"schedule"`
}

// KubernetesConfig tunes the API client
type KubernetesConfig struct {
	// Kubeconfig is used outside the cluster; empty means in-cluster or $KUBECONFIG
	Kubeconfig string  `yaml:"kubeconfig" json:"kubeconfig"`
	QPS        float32 `yaml:"qps" json:"qps"`
	Burst      int     `yaml:"burst" json:"burst"`
}

// EventsConfig throttles status events per reason. QPS 0 disables throttling.
type EventsConfig struct {
	QPS   float64 `yaml:"qps" json:"qps"`
	Burst int     `yaml:"burst" json:"burst"`
}

// AgentConfig describes the agent resources
type AgentConfig struct {
	ServiceAccountName     string `yaml:"serviceAccountName" json:"serviceAccountName"`
	ClusterRoleName        string `yaml:"clusterRoleName" json:"clusterRoleName"`
	ClusterRoleBindingName string `yaml:"clusterRoleBindingName" json:"clusterRoleBindingName"`
	SecretName             string `yaml:"secretName" json:"secretName"`
	ConfigMapName          string `yaml:"configMapName" json:"configMapName"`
	DaemonSetName          string `yaml:"daemonSetName" json:"daemonSetName"`

	RBAC RBACConfig `yaml:"rbac" json:"rbac"`

	Key         string `yaml:"key" json:"-"`
	DownloadKey string `yaml:"downloadKey" json:"-"`

	Zone       string `yaml:"zone" json:"zone"`
	Mode       string `yaml:"mode" json:"mode"`
	HTTPListen string `yaml:"httpListen" json:"httpListen"`

	Endpoint  EndpointConfig  `yaml:"endpoint" json:"endpoint"`
	Image     ImageConfig     `yaml:"image" json:"image"`
	Resources ResourcesConfig `yaml:"resources" json:"resources"`
	Proxy     ProxyConfig     `yaml:"proxy" json:"proxy"`
}

// RBACConfig toggles creation of the ClusterRole and ClusterRoleBinding
type RBACConfig struct {
	Create bool `yaml:"create" json:"create"`
}

// EndpointConfig is the backend the agent reports to
type EndpointConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// ImageConfig identifies the agent image
type ImageConfig struct {
	Name       string `yaml:"name" json:"name"`
	Tag        string `yaml:"tag" json:"tag"`
	PullPolicy string `yaml:"pullPolicy" json:"pullPolicy"`
}

// ResourcesConfig holds quantity strings such as "500m" or "512Mi"
type ResourcesConfig struct {
	Requests ResourceValues `yaml:"requests" json:"requests"`
	Limits   ResourceValues `yaml:"limits" json:"limits"`
}

// ResourceValues is a cpu/memory pair
type ResourceValues struct {
	CPU    string `yaml:"cpu" json:"cpu"`
	Memory string `yaml:"memory" json:"memory"`
}

// ProxyConfig is the agent's outbound proxy
type ProxyConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Protocol string `yaml:"protocol" json:"protocol"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"-"`
	UseDNS   bool   `yaml:"useDNS" json:"useDNS"`
}

// ObservabilityConfig contains metrics, logging, and health check configuration
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Health  HealthConfig  `yaml:"health" json:"health"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	BindAddress string `yaml:"bindAddress" json:"bindAddress"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level"`

	// Format is the log format (json, console)
	Format string `yaml:"format" json:"format"`

	// Output is the output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	AddCaller   bool `yaml:"addCaller" json:"addCaller"`
	Development bool `yaml:"development" json:"development"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	BindAddress string `yaml:"bindAddress" json:"bindAddress"`
}

// DefaultConfig returns the default configuration. Namespace, agent key and
// endpoint have no defaults.
func DefaultConfig() *OperatorConfiguration {
	return &OperatorConfiguration{
		Operator: OperatorConfig{
			Workers:        4,
			QueueSize:      64,
			WatchAgentPods: true,
			LeaderElection: LeaderElectionConfig{
				Enabled:       true,
				ID:            "agent-operator-leader",
				LeaseDuration: 15 * time.Second,
				RenewDeadline: 10 * time.Second,
				RetryPeriod:   2 * time.Second,
			},
			Kubernetes: KubernetesConfig{
				QPS:   20,
				Burst: 30,
			},
			Events: EventsConfig{
				QPS:   1,
				Burst: 25,
			},
		},
		Agent: AgentConfig{
			ServiceAccountName:     "monitoring-agent",
			ClusterRoleName:        "monitoring-agent",
			ClusterRoleBindingName: "monitoring-agent",
			SecretName:             "monitoring-agent",
			ConfigMapName:          "monitoring-agent",
			DaemonSetName:          "monitoring-agent",
			RBAC:                   RBACConfig{Create: true},
			Mode:                   "APM",
			Endpoint:               EndpointConfig{Port: 443},
			Image: ImageConfig{
				Name:       "monitoring/agent",
				Tag:        "latest",
				PullPolicy: string(corev1.PullAlways),
			},
			Resources: ResourcesConfig{
				Requests: ResourceValues{CPU: "500m", Memory: "512Mi"},
				Limits:   ResourceValues{CPU: "1500m", Memory: "512Mi"},
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled:     true,
				BindAddress: ":8080",
			},
			Logging: LoggingConfig{
				Level:     "info",
				Format:    "json",
				Output:    "stdout",
				AddCaller: true,
			},
			Health: HealthConfig{
				Enabled:     true,
				BindAddress: ":8081",
			},
		},
	}
}

// Validate checks the whole configuration and reports every problem found
func (c *OperatorConfiguration) Validate() error {
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	check(c.Operator.validate())
	check(c.Agent.validate())
	return errors.Join(errs...)
}

func (o *OperatorConfig) validate() error {
	var errs []error

	if o.Namespace == "" {
		errs = append(errs, errors.New("operator.namespace cannot be empty"))
	} else if msgs := validation.IsDNS1123Label(o.Namespace); len(msgs) > 0 {
		errs = append(errs, fmt.Errorf("operator.namespace %q: %v", o.Namespace, msgs))
	}
	if o.DeploymentName == "" && o.PodName == "" {
		errs = append(errs, errors.New("operator.deploymentName or operator.podName must be set"))
	}
	if o.Workers <= 0 {
		errs = append(errs, errors.New("operator.workers must be positive"))
	}
	if o.QueueSize < 0 {
		errs = append(errs, errors.New("operator.queueSize cannot be negative"))
	}

	if le := o.LeaderElection; le.Enabled {
		if le.ID == "" {
			errs = append(errs, errors.New("operator.leaderElection.id cannot be empty"))
		}
		if le.LeaseDuration <= le.RenewDeadline {
			errs = append(errs, errors.New("operator.leaderElection.leaseDuration must be greater than renewDeadline"))
		}
		if float64(le.RenewDeadline) <= 1.2*float64(le.RetryPeriod) {
			errs = append(errs, errors.New("operator.leaderElection.renewDeadline must be greater than 1.2 * retryPeriod"))
		}
	}

	if o.Resync.Schedule != "" {
		if _, err := ParseSchedule(o.Resync.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("operator.resync.schedule: %w", err))
		}
	}

	if o.Kubernetes.QPS < 0 || o.Kubernetes.Burst < 0 {
		errs = append(errs, errors.New("operator.kubernetes qps and burst cannot be negative"))
	}
	if o.Events.QPS < 0 || o.Events.Burst < 0 {
		errs = append(errs, errors.New("operator.events qps and burst cannot be negative"))
	}

	return errors.Join(errs...)
}

func (a *AgentConfig) validate() error {
	var errs []error

	names := map[string]string{
		"agent.serviceAccountName": a.ServiceAccountName,
		"agent.secretName":         a.SecretName,
		"agent.configMapName":      a.ConfigMapName,
		"agent.daemonSetName":      a.DaemonSetName,
	}
	if a.RBAC.Create {
		names["agent.clusterRoleName"] = a.ClusterRoleName
		names["agent.clusterRoleBindingName"] = a.ClusterRoleBindingName
	}
	for _, field := range sortedKeys(names) {
		if msgs := validation.IsDNS1123Subdomain(names[field]); len(msgs) > 0 {
			errs = append(errs, fmt.Errorf("%s %q: %v", field, names[field], msgs))
		}
	}

	if a.Key == "" {
		errs = append(errs, errors.New("agent.key cannot be empty"))
	} else if !isASCII(a.Key) {
		errs = append(errs, errors.New("agent.key must be 7-bit ASCII"))
	}
	if a.DownloadKey != "" && !isASCII(a.DownloadKey) {
		errs = append(errs, errors.New("agent.downloadKey must be 7-bit ASCII"))
	}

	if a.Endpoint.Host == "" {
		errs = append(errs, errors.New("agent.endpoint.host cannot be empty"))
	}
	if !validPort(a.Endpoint.Port) {
		errs = append(errs, fmt.Errorf("agent.endpoint.port %d out of range", a.Endpoint.Port))
	}

	if a.Image.Name == "" {
		errs = append(errs, errors.New("agent.image.name cannot be empty"))
	}
	switch corev1.PullPolicy(a.Image.PullPolicy) {
	case "", corev1.PullAlways, corev1.PullIfNotPresent, corev1.PullNever:
	default:
		errs = append(errs, fmt.Errorf("agent.image.pullPolicy %q is not a pull policy", a.Image.PullPolicy))
	}

	errs = append(errs, a.Resources.validate()...)

	if a.Proxy.Host != "" && !validPort(a.Proxy.Port) {
		errs = append(errs, fmt.Errorf("agent.proxy.port %d out of range", a.Proxy.Port))
	}

	return errors.Join(errs...)
}

func (r ResourcesConfig) validate() []error {
	var errs []error
	values := []struct {
		field string
		value string
	}{
		{"agent.resources.requests.cpu", r.Requests.CPU},
		{"agent.resources.requests.memory", r.Requests.Memory},
		{"agent.resources.limits.cpu", r.Limits.CPU},
		{"agent.resources.limits.memory", r.Limits.Memory},
	}
	for _, v := range values {
		if v.value == "" {
			continue
		}
		if _, err := resource.ParseQuantity(v.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", v.field, err))
		}
	}
	if len(errs) > 0 {
		return errs
	}

	if exceeds(r.Requests.CPU, r.Limits.CPU) {
		errs = append(errs, errors.New("agent.resources.requests.cpu exceeds the limit"))
	}
	if exceeds(r.Requests.Memory, r.Limits.Memory) {
		errs = append(errs, errors.New("agent.resources.requests.memory exceeds the limit"))
	}
	return errs
}

func exceeds(request, limit string) bool {
	if request == "" || limit == "" {
		return false
	}
	q := quantity(request)
	return q.Cmp(quantity(limit)) > 0
}

// AgentConfiguration converts the agent section into the immutable snapshot
// used by a deployment run. It assumes Validate has passed.
func (c *OperatorConfiguration) AgentConfiguration() *apis.AgentConfiguration {
	a := c.Agent
	return &apis.AgentConfiguration{
		Namespace:              c.Operator.Namespace,
		ServiceAccountName:     a.ServiceAccountName,
		ClusterRoleName:        a.ClusterRoleName,
		ClusterRoleBindingName: a.ClusterRoleBindingName,
		SecretName:             a.SecretName,
		ConfigMapName:          a.ConfigMapName,
		DaemonSetName:          a.DaemonSetName,
		RBACCreate:             a.RBAC.Create,
		Key:                    a.Key,
		DownloadKey:            a.DownloadKey,
		Zone:                   a.Zone,
		EndpointHost:           a.Endpoint.Host,
		EndpointPort:           int32(a.Endpoint.Port),
		Mode:                   a.Mode,
		HTTPListen:             a.HTTPListen,
		Image: apis.ImageSpec{
			Name:       a.Image.Name,
			Tag:        a.Image.Tag,
			PullPolicy: corev1.PullPolicy(a.Image.PullPolicy),
		},
		Resources: apis.ResourceSpec{
			CPURequest:    quantity(a.Resources.Requests.CPU),
			MemoryRequest: quantity(a.Resources.Requests.Memory),
			CPULimit:      quantity(a.Resources.Limits.CPU),
			MemoryLimit:   quantity(a.Resources.Limits.Memory),
		},
		Proxy: apis.ProxySpec{
			Host:     a.Proxy.Host,
			Port:     int32(a.Proxy.Port),
			Protocol: a.Proxy.Protocol,
			User:     a.Proxy.User,
			Password: a.Proxy.Password,
			UseDNS:   a.Proxy.UseDNS,
		},
	}
}

// ParseSchedule parses a 5-field cron expression
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	return schedule, nil
}

func quantity(s string) resource.Quantity {
	if s == "" {
		return resource.Quantity{}
	}
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return resource.Quantity{}
	}
	return q
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
