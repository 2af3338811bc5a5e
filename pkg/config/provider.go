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
	"errors"
	"sync"
	"sync/atomic"

	"github.com/yachiko/agent-operator/pkg/apis"
)

// Provider serves the current configuration. Updates swap the whole value,
// so readers never see a partially applied reload.
type Provider struct {
	current atomic.Pointer[OperatorConfiguration]

	mu        sync.RWMutex
	listeners []func(*OperatorConfiguration)
}

// NewProvider creates a provider holding cfg
func NewProvider(cfg *OperatorConfiguration) *Provider {
	p := &Provider{}
	p.current.Store(cfg)
	return p
}

// Current returns the active configuration. Callers must not modify it.
func (p *Provider) Current() *OperatorConfiguration {
	return p.current.Load()
}

// Snapshot returns a fresh agent configuration for one deployment run
func (p *Provider) Snapshot() *apis.AgentConfiguration {
	cfg := p.current.Load()
	if cfg == nil {
		return nil
	}
	return cfg.AgentConfiguration()
}

// Update validates cfg and makes it current. An invalid configuration is
// rejected and the previous one stays active.
func (p *Provider) Update(cfg *OperatorConfiguration) error {
	if cfg == nil {
		return errors.New("configuration is nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.current.Store(cfg)

	p.mu.RLock()
	listeners := make([]func(*OperatorConfiguration), len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.RUnlock()

	for _, l := range listeners {
		l(cfg)
	}
	return nil
}

// OnChange registers fn to run after each accepted update
func (p *Provider) OnChange(fn func(*OperatorConfiguration)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}
