// Package metrics holds the Prometheus collectors exported by anvil serve.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registry served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	leaseConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "anvil",
			Subsystem: "lease",
			Name:      "conflicts_total",
			Help:      "Lease acquisitions rejected because the node was locked",
		},
		[]string{"mode"},
	)

	deploys = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "anvil",
			Subsystem: "deploy",
			Name:      "total",
			Help:      "Deploy callbacks processed by result",
		},
		[]string{"result"},
	)

	deployDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "anvil",
			Subsystem: "deploy",
			Name:      "executor_duration_seconds",
			Help:      "Duration of deploy executor runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 10), // 10s to ~85min
		},
	)

	cacheFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "anvil",
			Subsystem: "imagecache",
			Name:      "fetches_total",
			Help:      "Instance image cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	gcRemovals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "anvil",
			Subsystem: "gc",
			Name:      "removals_total",
			Help:      "Objects removed by garbage collection by module",
		},
		[]string{"module"},
	)

	apiRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "anvil",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Callback API requests by route and status code",
		},
		[]string{"route", "code"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		leaseConflicts, deploys, deployDuration, cacheFetches, gcRemovals, apiRequests,
	)
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordLeaseConflict(mode string) { leaseConflicts.WithLabelValues(mode).Inc() }

// RecordDeploy counts one processed callback; result is "success" or "fail".
func RecordDeploy(result string) { deploys.WithLabelValues(result).Inc() }

func ObserveDeployDuration(seconds float64) { deployDuration.Observe(seconds) }

// RecordCacheFetch counts a cache lookup; outcome is "hit", "miss" or "error".
func RecordCacheFetch(outcome string) { cacheFetches.WithLabelValues(outcome).Inc() }

func RecordGCRemovals(module string, n int) {
	if n > 0 {
		gcRemovals.WithLabelValues(module).Add(float64(n))
	}
}

func RecordAPIRequest(route string, code string) { apiRequests.WithLabelValues(route, code).Inc() }
