// Package metrics exposes Prometheus metrics for snapshots, restores and
// tree repairs.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/tablesnap/internal/snapshot"
)

const namespace = "tablesnap"

// Registry holds all application metrics.
type Registry struct {
	registry *prometheus.Registry

	// Snapshot metrics
	SnapshotsTotal   *prometheus.CounterVec
	SnapshotRows     prometheus.Counter
	SnapshotBytes    prometheus.Counter
	SnapshotDuration prometheus.Histogram

	// Restore metrics
	RestoresActive   prometheus.Gauge
	RestoresTotal    *prometheus.CounterVec
	RestoreRows      *prometheus.CounterVec
	RestoreDuration  prometheus.Histogram
	RestoreSuspended prometheus.Counter

	// Tree metrics
	TreeRepairs     *prometheus.CounterVec
	TreeCorrections *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

var _ snapshot.RestoreListener = (*Registry)(nil)

// NewRegistry creates a registry with Go runtime and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		registry: reg,
		SnapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshots_total",
			Help: "Snapshots written, by outcome.",
		}, []string{"status"}),
		SnapshotRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshot_rows_total",
			Help: "Rows written to snapshots.",
		}),
		SnapshotBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshot_bytes_total",
			Help: "Bytes written to snapshots.",
		}),
		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "snapshot_duration_seconds",
			Help:    "Time spent writing a snapshot.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		RestoresActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "restores_active",
			Help: "Restore invocations in progress.",
		}),
		RestoresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "restore_invocations_total",
			Help: "Restore invocations, by final status.",
		}, []string{"status"}),
		RestoreRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "restore_rows_total",
			Help: "Restored rows, by outcome.",
		}, []string{"outcome"}),
		RestoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "restore_duration_seconds",
			Help:    "Duration of one restore invocation.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		RestoreSuspended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "restore_suspensions_total",
			Help: "Restore invocations that ran out of time budget.",
		}),
		TreeRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tree_repairs_total",
			Help: "Nested-set repair runs, by table and mode.",
		}, []string{"table", "mode"}),
		TreeCorrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tree_corrections_total",
			Help: "Nodes whose bounds were rewritten.",
		}, []string{"table"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.SnapshotsTotal, r.SnapshotRows, r.SnapshotBytes, r.SnapshotDuration,
		r.RestoresActive, r.RestoresTotal, r.RestoreRows, r.RestoreDuration, r.RestoreSuspended,
		r.TreeRepairs, r.TreeCorrections,
		r.RequestsTotal, r.RequestDuration,
	)
	return r
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the process-wide registry.
func Global() *Registry {
	globalOnce.Do(func() { global = NewRegistry() })
	return global
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Handler serves the global registry.
func Handler() http.Handler {
	return Global().Handler()
}

// ObserveSnapshot records a finished dump.
func (r *Registry) ObserveSnapshot(res snapshot.WriteResult, d time.Duration, err error) {
	status := "ok"
	switch {
	case err != nil:
		status = "failed"
	case res.HadErrors:
		status = "partial"
	}
	r.SnapshotsTotal.WithLabelValues(status).Inc()
	r.SnapshotRows.Add(float64(res.TotalRows))
	r.SnapshotBytes.Add(float64(res.Bytes))
	r.SnapshotDuration.Observe(d.Seconds())
}

// ObserveRestore records the row counts and duration of one invocation.
// Counts in a report are cumulative across invocations, so only the part
// added by this invocation is recorded.
func (r *Registry) ObserveRestore(res *snapshot.Result, before snapshot.Report) {
	if res == nil {
		return
	}
	rep := res.Report
	r.RestoreRows.WithLabelValues("inserted").Add(float64(max(rep.InsertedRows-before.InsertedRows, 0)))
	r.RestoreRows.WithLabelValues("skipped").Add(float64(max(rep.SkippedRows-before.SkippedRows, 0)))
	r.RestoreRows.WithLabelValues("failed").Add(float64(max(rep.FailedRows-before.FailedRows, 0)))
	r.RestoreRows.WithLabelValues("vetoed").Add(float64(max(rep.VetoedRows-before.VetoedRows, 0)))
	r.RestoreDuration.Observe(res.Duration.Seconds())
	if res.Status == snapshot.StatusSuspended {
		r.RestoreSuspended.Inc()
	}
}

// ObserveRepair records one tree repair run.
func (r *Registry) ObserveRepair(table string, applied bool, corrections int) {
	mode := "dry_run"
	if applied {
		mode = "apply"
		r.TreeCorrections.WithLabelValues(table).Add(float64(corrections))
	}
	r.TreeRepairs.WithLabelValues(table, mode).Inc()
}

// ObserveRequest records one HTTP request.
func (r *Registry) ObserveRequest(method, route string, status int, d time.Duration) {
	r.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RestoreStarted implements snapshot.RestoreListener.
func (r *Registry) RestoreStarted(rc snapshot.RestoreContext) {
	r.RestoresActive.Inc()
}

// RestoreStopped implements snapshot.RestoreListener.
func (r *Registry) RestoreStopped(rc snapshot.RestoreContext, status snapshot.Status, err error) {
	r.RestoresActive.Dec()
	r.RestoresTotal.WithLabelValues(string(status)).Inc()
}
