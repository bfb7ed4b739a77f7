// Package metrics exports ledger and job counters to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "promptledger"

// Recorder implements ledger.OperationLogger and jobs.Observer.
type Recorder struct {
	registry *prometheus.Registry

	operations    *prometheus.CounterVec
	credits       *prometheus.CounterVec
	jobRuns       *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	sweptBuckets  prometheus.Counter
	requestTiming *prometheus.HistogramVec
}

// NewRecorder registers every collector on a fresh registry, plus the Go and process collectors.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)
	return &Recorder{
		registry: registry,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by operation and status.",
		}, []string{"operation", "status"}),
		credits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credits_total",
			Help:      "Credits moved by successful operations, by operation and transaction type.",
		}, []string{"operation", "type"}),
		jobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by job and result.",
		}, []string{"job", "result"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Scheduled job run time.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
		}, []string{"job"}),
		sweptBuckets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_buckets_total",
			Help:      "Expired buckets zeroed by the sweeper.",
		}),
		requestTiming: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}
}

// LogOperation counts a ledger operation.
func (recorder *Recorder) LogOperation(_ context.Context, entry ledger.OperationLog) {
	recorder.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Status != "ok" {
		return
	}
	if entry.Amount > 0 {
		recorder.credits.WithLabelValues(entry.Operation, entry.TransactionType.String()).Add(float64(entry.Amount))
	}
	if entry.Operation == "sweep" && entry.Count > 0 {
		recorder.sweptBuckets.Add(float64(entry.Count))
	}
}

// ObserveJob records a scheduled job run.
func (recorder *Recorder) ObserveJob(name string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	recorder.jobRuns.WithLabelValues(name, result).Inc()
	recorder.jobDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// ObserveRequest records one HTTP request.
func (recorder *Recorder) ObserveRequest(route string, code string, duration time.Duration) {
	recorder.requestTiming.WithLabelValues(route, code).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (recorder *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(recorder.registry, promhttp.HandlerOpts{Registry: recorder.registry})
}

// Registry exposes the underlying registry.
func (recorder *Recorder) Registry() *prometheus.Registry {
	return recorder.registry
}
