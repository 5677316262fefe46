// Package metrics exposes the prometheus instrumentation for the proxy. One
// Engine is built at startup and shared; a nil Engine is a no-op so tests can
// run components unmetered.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Engine holds the registered collectors.
type Engine struct {
	Gatherer prometheus.Gatherer

	resolutions     *prometheus.CounterVec
	resolutionDepth prometheus.Histogram
	cacheRequests   *prometheus.CounterVec
	upstreamStatus  *prometheus.CounterVec
	bidOutcomes     *prometheus.CounterVec
}

// NewEngine builds and registers every collector on a fresh registry.
func NewEngine() *Engine {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e := &Engine{Gatherer: registry}

	e.resolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unwrap_resolutions_total",
		Help: "Count of wrapper chain resolutions by outcome.",
	}, []string{"status"})

	e.resolutionDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "unwrap_resolution_depth",
		Help:    "Wrapper hops followed per successful resolution.",
		Buckets: []float64{0, 1, 2, 3, 4, 6, 8},
	})

	e.cacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unwrap_cache_requests_total",
		Help: "Resolution cache lookups by result.",
	}, []string{"result"})

	e.upstreamStatus = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unwrap_upstream_requests_total",
		Help: "Forwarded bid requests by upstream status code.",
	}, []string{"code"})

	e.bidOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unwrap_bids_processed_total",
		Help: "Bids seen by the response processor, by outcome.",
	}, []string{"outcome"})

	registry.MustRegister(e.resolutions, e.resolutionDepth, e.cacheRequests, e.upstreamStatus, e.bidOutcomes)
	return e
}

// RecordResolution counts one resolution attempt.
func (e *Engine) RecordResolution(status string, cacheHit bool, depth int) {
	if e == nil {
		return
	}
	e.resolutions.WithLabelValues(status).Inc()
	if cacheHit {
		e.cacheRequests.WithLabelValues("hit").Inc()
	} else {
		e.cacheRequests.WithLabelValues("miss").Inc()
	}
	if status == "ok" {
		e.resolutionDepth.Observe(float64(depth))
	}
}

// RecordUpstreamStatus counts one forwarded bid request.
func (e *Engine) RecordUpstreamStatus(code int) {
	if e == nil {
		return
	}
	e.upstreamStatus.WithLabelValues(strconv.Itoa(code)).Inc()
}

// RecordBidOutcome counts one bid's processing outcome.
func (e *Engine) RecordBidOutcome(outcome string) {
	if e == nil {
		return
	}
	e.bidOutcomes.WithLabelValues(outcome).Inc()
}
