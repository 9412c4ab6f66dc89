// Package observability holds the Prometheus collector and OpenTelemetry
// tracing setup.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dotsetgreg/memsync/pkg/memory"
)

// Collector holds the process metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	SyncOps            *prometheus.CounterVec
	SyncDuration       *prometheus.HistogramVec
	ConsolidationRuns  *prometheus.CounterVec
	ClusterAssignments *prometheus.CounterVec
	ProfileUpdates     prometheus.Counter
	Rebuilds           *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec
}

// NewCollector creates and registers the memsync metrics under namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	syncOps := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_operations_total",
			Help:      "Index writes by target, entity kind and outcome",
		},
		[]string{"target", "kind", "outcome"},
	)
	syncDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Index write latency including retries",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"target"},
	)
	runs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_runs_total",
			Help:      "Consolidation runs by status",
		},
		[]string{"status"},
	)
	assignments := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_assignments_total",
			Help:      "Memory units assigned to clusters, split by new vs existing cluster",
		},
		[]string{"cluster"},
	)
	profiles := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profile_updates_total",
			Help:      "Profiles written with changed facts",
		},
	)
	rebuilds := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_rebuilds_total",
			Help:      "Index rebuilds by alias and final state",
		},
		[]string{"alias", "state"},
	)
	queue := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Background jobs by status",
		},
		[]string{"status"},
	)

	registry.MustRegister(syncOps, syncDuration, runs, assignments, profiles, rebuilds, queue)

	return &Collector{
		registry:           registry,
		SyncOps:            syncOps,
		SyncDuration:       syncDuration,
		ConsolidationRuns:  runs,
		ClusterAssignments: assignments,
		ProfileUpdates:     profiles,
		Rebuilds:           rebuilds,
		QueueDepth:         queue,
	}
}

func (c *Collector) ObserveSync(rec memory.SyncRecord, d time.Duration) {
	if c == nil {
		return
	}
	c.SyncOps.WithLabelValues(string(rec.Target), string(rec.Kind), string(rec.Outcome)).Inc()
	c.SyncDuration.WithLabelValues(string(rec.Target)).Observe(d.Seconds())
}

func (c *Collector) ObserveConsolidation(status string, newClusters, joined, profiles int) {
	if c == nil {
		return
	}
	c.ConsolidationRuns.WithLabelValues(status).Inc()
	c.ClusterAssignments.WithLabelValues("new").Add(float64(newClusters))
	c.ClusterAssignments.WithLabelValues("existing").Add(float64(joined))
	c.ProfileUpdates.Add(float64(profiles))
}

func (c *Collector) ObserveRebuild(alias, state string) {
	if c == nil {
		return
	}
	c.Rebuilds.WithLabelValues(alias, state).Inc()
}

func (c *Collector) SetQueueDepth(status string, n int) {
	if c == nil {
		return
	}
	c.QueueDepth.WithLabelValues(status).Set(float64(n))
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
