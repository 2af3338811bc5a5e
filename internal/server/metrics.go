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

package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/yachiko/agent-operator/pkg/metrics"
)

// MetricsServer serves the operator registry together with controller-runtime's
// global registry, which carries the runtime and client-go request metrics.
type MetricsServer struct {
	collector *metrics.Collector
	registry  *prometheus.Registry
	gatherer  prometheus.Gatherer
	handler   http.Handler

	mu         sync.RWMutex
	lastScrape time.Time
	scrapeTime time.Duration
}

// NewMetricsServer creates a metrics server for collector
func NewMetricsServer(collector *metrics.Collector) *MetricsServer {
	return newMetricsServer(collector, ctrlmetrics.Registry)
}

func newMetricsServer(collector *metrics.Collector, shared prometheus.Gatherer) *MetricsServer {
	registry := prometheus.NewRegistry()
	if collector != nil {
		registry.MustRegister(collector)
	}

	gatherer := prometheus.Gatherer(registry)
	if shared != nil {
		gatherer = prometheus.Gatherers{registry, shared}
	}

	return &MetricsServer{
		collector: collector,
		registry:  registry,
		gatherer:  gatherer,
		handler:   promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
			ErrorHandling: promhttp.HTTPErrorOnError,
			Registry:      registry,
			Timeout:       30 * time.Second,
		}),
	}
}

// MetricsHandler implements the /metrics endpoint. A failed gather answers 500.
func (m *MetricsServer) MetricsHandler(c *gin.Context) {
	start := time.Now()
	gin.WrapH(m.handler)(c)

	m.mu.Lock()
	m.lastScrape = time.Now()
	m.scrapeTime = time.Since(start)
	m.mu.Unlock()
}

// HealthMetricsHandler reports whether the registries can be gathered, along
// with the run summary kept by the collector
func (m *MetricsServer) HealthMetricsHandler(c *gin.Context) {
	m.mu.RLock()
	lastScrape := m.lastScrape
	scrapeTime := m.scrapeTime
	m.mu.RUnlock()

	families, err := m.gatherer.Gather()

	statusCode := http.StatusOK
	health := gin.H{
		"status":   "healthy",
		"families": len(families),
		"scrape": gin.H{
			"last":       formatTime(lastScrape),
			"latency_ms": scrapeTime.Milliseconds(),
		},
	}
	if m.collector != nil {
		health["snapshot"] = m.collector.GetMetricsSnapshot()
	}
	if err != nil {
		statusCode = http.StatusServiceUnavailable
		health["status"] = "degraded"
		health["error"] = err.Error()
		health["code"] = "METRICS_COLLECTION_ERROR"
	}

	c.JSON(statusCode, health)
}

// GetRegistry returns the operator registry
func (m *MetricsServer) GetRegistry() *prometheus.Registry {
	return m.registry
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
