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

// Package server provides the operator's HTTP surface: liveness, readiness,
// status and Prometheus metrics, served with gin.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
)

// StatusFunc contributes one section to the /status document
type StatusFunc func() interface{}

// HealthChecker provides health checking functionality for the operator
type HealthChecker struct {
	kubeClient kubernetes.Interface
	startTime  time.Time
	namespace  string

	mu              sync.RWMutex
	unhealthyReason string
	notReadyReason  string
	readyChecks     map[string]healthz.Checker
	status          map[string]StatusFunc
}

// NewHealthChecker creates a new health checker instance
func NewHealthChecker(kubeClient kubernetes.Interface, namespace string) *HealthChecker {
	return &HealthChecker{
		kubeClient:  kubeClient,
		startTime:   time.Now(),
		namespace:   namespace,
		readyChecks: make(map[string]healthz.Checker),
		status:      make(map[string]StatusFunc),
	}
}

// AddReadyzCheck adds a named readiness check
func (h *HealthChecker) AddReadyzCheck(name string, check healthz.Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readyChecks[name] = check
}

// AddStatus adds a named section to the status document
func (h *HealthChecker) AddStatus(name string, fn StatusFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status[name] = fn
}

// HealthzHandler implements the /healthz endpoint. It fails once the process
// has been marked unhealthy, for example after a fatal signal.
func (h *HealthChecker) HealthzHandler(c *gin.Context) {
	h.mu.RLock()
	unhealthyReason := h.unhealthyReason
	h.mu.RUnlock()

	uptime := time.Since(h.startTime)
	if unhealthyReason != "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"reason": unhealthyReason,
			"uptime": uptime.String(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": uptime.String(),
	})
}

// ReadyzHandler implements the /readyz endpoint
func (h *HealthChecker) ReadyzHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	checks, ready := h.runReadyChecks(ctx, c.Request)

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status": status,
		"checks": checks,
		"uptime": time.Since(h.startTime).String(),
	})
}

func (h *HealthChecker) runReadyChecks(ctx context.Context, req *http.Request) (map[string]string, bool) {
	h.mu.RLock()
	notReadyReason := h.notReadyReason
	extra := make(map[string]healthz.Checker, len(h.readyChecks))
	for name, check := range h.readyChecks {
		extra[name] = check
	}
	h.mu.RUnlock()

	checks := make(map[string]string)
	ready := true
	record := func(name string, err error) {
		if err != nil {
			checks[name] = fmt.Sprintf("failed: %v", err)
			ready = false
			return
		}
		checks[name] = "ok"
	}

	if notReadyReason != "" {
		checks["operator"] = fmt.Sprintf("not ready: %s", notReadyReason)
		ready = false
	}

	record("kubernetes-api", h.checkKubernetesAPI(ctx))
	record("namespace-access", h.checkNamespaceAccess(ctx))

	for name, check := range extra {
		record(name, check(req))
	}

	return checks, ready
}

// StatusHandler implements the /status endpoint
func (h *HealthChecker) StatusHandler(c *gin.Context) {
	h.mu.RLock()
	names := make([]string, 0, len(h.status))
	for name := range h.status {
		names = append(names, name)
	}
	funcs := make(map[string]StatusFunc, len(h.status))
	for name, fn := range h.status {
		funcs[name] = fn
	}
	unhealthyReason := h.unhealthyReason
	h.mu.RUnlock()
	sort.Strings(names)

	body := gin.H{
		"uptime":    time.Since(h.startTime).String(),
		"startTime": h.startTime.UTC().Format(time.RFC3339),
		"namespace": h.namespace,
		"healthy":   unhealthyReason == "",
	}
	if unhealthyReason != "" {
		body["reason"] = unhealthyReason
	}
	for _, name := range names {
		body[name] = funcs[name]()
	}

	c.JSON(http.StatusOK, body)
}

// SetUnhealthy fails /healthz from now on. There is no way back; the process
// is about to exit.
func (h *HealthChecker) SetUnhealthy(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unhealthyReason = reason
}

// SetNotReady fails /readyz with reason until ClearNotReady
func (h *HealthChecker) SetNotReady(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notReadyReason = reason
}

// ClearNotReady lifts a SetNotReady
func (h *HealthChecker) ClearNotReady() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notReadyReason = ""
}

// checkKubernetesAPI verifies we can communicate with the Kubernetes API server
func (h *HealthChecker) checkKubernetesAPI(_ context.Context) error {
	if h.kubeClient == nil {
		return fmt.Errorf("kubernetes client not initialized")
	}

	if _, err := h.kubeClient.Discovery().ServerVersion(); err != nil {
		return fmt.Errorf("failed to connect to kubernetes API: %w", err)
	}
	return nil
}

// checkNamespaceAccess verifies we can access our deployment namespace
func (h *HealthChecker) checkNamespaceAccess(ctx context.Context) error {
	if h.kubeClient == nil {
		return fmt.Errorf("kubernetes client not initialized")
	}
	if h.namespace == "" {
		return fmt.Errorf("namespace not configured")
	}

	if _, err := h.kubeClient.CoreV1().Namespaces().Get(ctx, h.namespace, metav1.GetOptions{}); err != nil {
		return fmt.Errorf("failed to access namespace %s: %w", h.namespace, err)
	}
	return nil
}
