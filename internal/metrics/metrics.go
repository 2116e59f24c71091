// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus collectors for the execution framework.
// All recording methods are nil-safe so components can run without a
// collector wired.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the framework's Prometheus registry and instruments.
type Collector struct {
	registry *prometheus.Registry

	runsSubmitted *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	breakerOpen   *prometheus.GaugeVec
	dlqMoved      prometheus.Counter
}

// New creates a collector with its own registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		runsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_runs_submitted_total",
			Help: "Total number of runs submitted",
		}, []string{"kind", "lane"}),
		runsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_runs_completed_total",
			Help: "Total number of runs reaching a terminal status",
		}, []string{"kind", "lane", "status"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_run_duration_seconds",
			Help:    "Run duration from started to terminal",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind", "lane"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_run_retries_total",
			Help: "Total number of in-place handler retries",
		}, []string{"handler"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatch_executor_queue_depth",
			Help: "Queued runs per executor adapter",
		}, []string{"executor"}),
		breakerOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatch_circuit_breaker_open",
			Help: "1 when the handler's circuit breaker is open",
		}, []string{"handler"}),
		dlqMoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_dlq_moved_total",
			Help: "Total number of runs moved to the dead-letter queue",
		}),
	}
}

// Handler returns the /metrics HTTP handler.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordSubmitted counts a submission.
func (c *Collector) RecordSubmitted(kind, lane string) {
	if c == nil {
		return
	}
	c.runsSubmitted.WithLabelValues(kind, lane).Inc()
}

// RecordCompleted counts a terminal transition and observes its duration.
func (c *Collector) RecordCompleted(kind, lane, status string, durationSeconds float64) {
	if c == nil {
		return
	}
	c.runsCompleted.WithLabelValues(kind, lane, status).Inc()
	if durationSeconds > 0 {
		c.runDuration.WithLabelValues(kind, lane).Observe(durationSeconds)
	}
}

// RecordRetry counts one in-place retry for a handler.
func (c *Collector) RecordRetry(handler string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(handler).Inc()
}

// SetQueueDepth reports an executor's queue depth.
func (c *Collector) SetQueueDepth(executor string, depth int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(executor).Set(float64(depth))
}

// SetBreakerOpen reports a handler breaker's open state.
func (c *Collector) SetBreakerOpen(handler string, open bool) {
	if c == nil {
		return
	}
	v := 0.0
	if open {
		v = 1.0
	}
	c.breakerOpen.WithLabelValues(handler).Set(v)
}

// RecordDLQMoved counts a run moved to the DLQ.
func (c *Collector) RecordDLQMoved() {
	if c == nil {
		return
	}
	c.dlqMoved.Inc()
}
