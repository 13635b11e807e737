// Package metrics owns the gateway's Prometheus registry. Every other
// package reports through plain func hooks, so none of them imports
// Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bskylink"

type Metrics struct {
	reg *prometheus.Registry

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter
	upstreamCalls  *prometheus.CounterVec
	renewals       *prometheus.CounterVec
	pipelineErrors *prometheus.CounterVec
	pipelineTime   *prometheus.HistogramVec
	rateLimited    prometheus.Counter
	jobRuns        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total",
			Help: "Thread requests answered from the response cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total",
			Help: "Thread requests that went upstream.",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_evictions_total",
			Help: "Entries removed from the response cache for capacity or age.",
		}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "upstream_calls_total",
			Help: "XRPC calls by method and status class.",
		}, []string{"method", "status"}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_renewals_total",
			Help: "Session refresh and login attempts.",
		}, []string{"method", "outcome"}),
		pipelineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pipeline_errors_total",
			Help: "Failed thread and feed requests by error kind.",
		}, []string{"op", "kind"}),
		pipelineTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "pipeline_duration_seconds",
			Help:    "Time spent producing a thread or feed view.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total",
			Help: "Requests rejected by the inbound rate limiter.",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_runs_total",
			Help: "Background job runs by job and outcome.",
		}, []string{"job", "outcome"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cacheHits, m.cacheMisses, m.cacheEvictions,
		m.upstreamCalls, m.renewals,
		m.pipelineErrors, m.pipelineTime,
		m.rateLimited, m.jobRuns,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// CacheSize exports fn as the current number of cached entries.
func (m *Metrics) CacheSize(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "cache_entries",
		Help: "Entries currently held in the response cache.",
	}, func() float64 { return float64(fn()) }))
}

// ObserveUpstream matches client.Client.Observe.
func (m *Metrics) ObserveUpstream(method string, status int) {
	m.upstreamCalls.WithLabelValues(method, statusClass(status)).Inc()
}

// ObserveRenew matches auth.Options.OnRenew.
func (m *Metrics) ObserveRenew(method, outcome string) {
	m.renewals.WithLabelValues(method, outcome).Inc()
}

// ObservePipeline matches pipeline.Options.Observe.
func (m *Metrics) ObservePipeline(op, outcome string, d time.Duration) {
	switch outcome {
	case "home":
		return
	case "hit":
		m.cacheHits.Inc()
	case "miss":
		if op == "thread" {
			m.cacheMisses.Inc()
		}
	default:
		m.pipelineErrors.WithLabelValues(op, outcome).Inc()
	}
	m.pipelineTime.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) CacheEvicted(string) { m.cacheEvictions.Inc() }

func (m *Metrics) RateLimited() { m.rateLimited.Inc() }

// ObserveJob matches scheduler.Options.OnRun.
func (m *Metrics) ObserveJob(job string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
}

func statusClass(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}
