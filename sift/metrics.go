package sift

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siftdata/sift/engine"
)

// metrics is the service counter set, exposed as plain-text
// exposition on /metrics through a private registry.
type metrics struct {
	reg *prometheus.Registry

	transformCalls      prometheus.Counter
	transformErrors     prometheus.Counter
	transformSuccess    prometheus.Counter
	transformLatencySum prometheus.Counter
	transformOutputRows prometheus.Counter

	latencyLe10  prometheus.Counter
	latencyLe50  prometheus.Counter
	latencyLe200 prometheus.Counter
	latencyGt200 prometheus.Counter

	textCalls  prometheus.Counter
	textErrors prometheus.Counter

	remoteEnabled       prometheus.Gauge
	remoteOK            prometheus.Gauge
	remoteLastProbe     prometheus.Gauge
	remoteProbeFailures prometheus.Counter

	cancelRequested prometheus.Counter
	cancelEffective prometheus.Counter
	flagCleanups    prometheus.Counter
	tasksActive     prometheus.Gauge
	retryTotal      prometheus.Counter
	tenantRejects   prometheus.Counter
	quotaRejects    prometheus.Counter

	maxMu               sync.Mutex
	latencyMaxMs        float64
	transformLatencyMax prometheus.Gauge
}

func counter(reg *prometheus.Registry, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	reg.MustRegister(c)
	return c
}

func gauge(reg *prometheus.Registry, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	reg.MustRegister(g)
	return g
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	return &metrics{
		reg: reg,

		transformCalls:      counter(reg, "sift_transform_rows_calls_total", "transform_rows_v2 invocations"),
		transformErrors:     counter(reg, "sift_transform_rows_errors_total", "transform_rows_v2 failures"),
		transformSuccess:    counter(reg, "sift_transform_rows_success_total", "transform_rows_v2 successes"),
		transformLatencySum: counter(reg, "sift_transform_rows_latency_ms_sum", "summed transform latency"),
		transformOutputRows: counter(reg, "sift_transform_rows_output_rows_sum", "summed output rows"),

		latencyLe10:  counter(reg, "sift_transform_rows_latency_bucket_le_10ms", "transforms at or under 10ms"),
		latencyLe50:  counter(reg, "sift_transform_rows_latency_bucket_le_50ms", "transforms at or under 50ms"),
		latencyLe200: counter(reg, "sift_transform_rows_latency_bucket_le_200ms", "transforms at or under 200ms"),
		latencyGt200: counter(reg, "sift_transform_rows_latency_bucket_gt_200ms", "transforms over 200ms"),

		textCalls:  counter(reg, "sift_text_preprocess_calls_total", "text_preprocess_v2 invocations"),
		textErrors: counter(reg, "sift_text_preprocess_errors_total", "text_preprocess_v2 failures"),

		remoteEnabled:       gauge(reg, "sift_task_store_remote_enabled", "remote task store enabled"),
		remoteOK:            gauge(reg, "sift_task_store_remote_ok", "last remote probe result"),
		remoteLastProbe:     gauge(reg, "sift_task_store_remote_last_probe_epoch", "epoch of last remote probe"),
		remoteProbeFailures: counter(reg, "sift_task_store_remote_probe_failures_total", "failed remote probes"),

		cancelRequested: counter(reg, "sift_task_cancel_requested_total", "cancel requests received"),
		cancelEffective: counter(reg, "sift_task_cancel_effective_total", "cancel requests that fired"),
		flagCleanups:    counter(reg, "sift_task_flag_cleanup_total", "cancel flags cleaned up"),
		tasksActive:     gauge(reg, "sift_tasks_active", "tasks with a live cancel flag"),
		retryTotal:      counter(reg, "sift_task_retry_total", "worker retries"),
		tenantRejects:   counter(reg, "sift_tenant_reject_total", "tenant concurrency rejections"),
		quotaRejects:    counter(reg, "sift_quota_reject_total", "row/byte quota rejections"),

		transformLatencyMax: gauge(reg, "sift_transform_rows_latency_ms_max", "max transform latency"),
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *metrics) observeTransformSuccess(stats engine.Stats) {
	m.transformSuccess.Inc()
	m.transformLatencySum.Add(float64(stats.LatencyMs))
	m.transformOutputRows.Add(float64(stats.OutputRows))

	switch ms := stats.LatencyMs; {
	case ms <= 10:
		m.latencyLe10.Inc()
	case ms <= 50:
		m.latencyLe50.Inc()
	case ms <= 200:
		m.latencyLe200.Inc()
	default:
		m.latencyGt200.Inc()
	}

	m.maxMu.Lock()
	if float64(stats.LatencyMs) > m.latencyMaxMs {
		m.latencyMaxMs = float64(stats.LatencyMs)
		m.transformLatencyMax.Set(m.latencyMaxMs)
	}
	m.maxMu.Unlock()
}

func (m *metrics) observeProbe(ok bool, epoch int64) {
	if ok {
		m.remoteOK.Set(1)
	} else {
		m.remoteOK.Set(0)
		m.remoteProbeFailures.Inc()
	}
	m.remoteLastProbe.Set(float64(epoch))
}
