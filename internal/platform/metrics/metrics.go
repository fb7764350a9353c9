// Package metrics holds the custody service's Prometheus collectors. Each
// Recorder owns its registry so tests and multiple services never share state.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "custody"

const (
	ResultOK    = "ok"
	ResultError = "error"
)

type Recorder struct {
	registry    *prometheus.Registry
	operations  *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	categories  *prometheus.CounterVec
	rpcRequests *prometheus.CounterVec
	signing     *prometheus.CounterVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Custody operations by result.",
		}, []string{"operation", "result"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Custody operation latency.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Custody errors by taxonomy kind.",
		}, []string{"kind"}),
		categories: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_categories_total",
			Help:      "Custody errors by category.",
		}, []string{"category"}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method and response code.",
		}, []string{"method", "code"}),
		signing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signing_transitions_total",
			Help:      "Signing state machine transitions.",
		}, []string{"state"}),
	}
	r.registry.MustRegister(
		r.operations,
		r.durations,
		r.errors,
		r.categories,
		r.rpcRequests,
		r.signing,
		collectors.NewGoCollector(),
	)
	return r
}

// ObserveOperation records one finished operation. kind is empty on success.
func (r *Recorder) ObserveOperation(operation string, started time.Time, kind string) {
	if r == nil {
		return
	}
	operation = label(operation)
	result := ResultOK
	if strings.TrimSpace(kind) != "" {
		result = ResultError
		r.errors.WithLabelValues(label(kind)).Inc()
	}
	r.operations.WithLabelValues(operation, result).Inc()
	r.durations.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (r *Recorder) RecordError(category string) {
	if r == nil {
		return
	}
	r.categories.WithLabelValues(label(category)).Inc()
}

func (r *Recorder) RecordRPC(method string, code int) {
	if r == nil {
		return
	}
	r.rpcRequests.WithLabelValues(label(method), codeLabel(code)).Inc()
}

func (r *Recorder) RecordSigningState(state string) {
	if r == nil {
		return
	}
	r.signing.WithLabelValues(label(state)).Inc()
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}

func codeLabel(code int) string {
	if code == 0 {
		return "ok"
	}
	return strconv.Itoa(code)
}
