package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "snapback"

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Monitoring metrics
	MonitoringDuration   prometheus.Histogram
	MonitoredUsers       prometheus.Counter
	SyncStatusTotal      *prometheus.CounterVec
	ClockRegressions     *prometheus.CounterVec
	ClockDivergences     prometheus.Counter
	ClockBatchFailures   *prometheus.CounterVec
	NodeUnavailableTotal *prometheus.CounterVec

	// Reconciliation metrics
	ReconciliationActions *prometheus.CounterVec
	PendingActions        prometheus.Gauge
	SupersededActions     prometheus.Counter

	// Sync metrics
	SyncOutcomes *prometheus.CounterVec
	SyncDuration *prometheus.HistogramVec

	// Registry metrics
	ReconfigMode           prometheus.Gauge
	RegistrySize           prometheus.Gauge
	RegistryRefreshFailure prometheus.Counter

	// Queue metrics
	QueueDepth        *prometheus.GaugeVec
	JobsCompleted     *prometheus.CounterVec
	JobsFailed        *prometheus.CounterVec
	JobsDeadLettered  *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	WorkerUtilization prometheus.Gauge

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
// A nil reg registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		MonitoringDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "monitoring_batch_duration_seconds",
				Help:      "Duration of a monitoring batch",
				Buckets:   prometheus.DefBuckets,
			},
		),

		MonitoredUsers: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "monitored_users_total",
				Help:      "Total number of users whose replica set was checked",
			},
		),

		SyncStatusTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "secondary_sync_status_total",
				Help:      "Secondary classifications by sync status",
			},
			[]string{"status"},
		),

		ClockRegressions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "clock_regressions_total",
				Help:      "Observed clock values lower than the previous cycle",
			},
			[]string{"role"},
		),

		ClockDivergences: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "clock_divergences_total",
				Help:      "Secondaries observed with a clock ahead of their primary",
			},
		),

		ClockBatchFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "clock_batch_failures_total",
				Help:      "Replicas marked unhealthy after batch clock requests exhausted their retries",
			},
			[]string{"node"},
		),

		NodeUnavailableTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_unavailable_total",
				Help:      "Clock requests that failed, by node",
			},
			[]string{"node"},
		),

		ReconciliationActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliation_actions_total",
				Help:      "Actions emitted by reconciliation",
			},
			[]string{"kind", "detail"},
		),

		PendingActions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_actions",
				Help:      "Outstanding reconciliation actions",
			},
		),

		SupersededActions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "superseded_actions_total",
				Help:      "Pending actions dropped because a node left the registry",
			},
		),

		SyncOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_outcomes_total",
				Help:      "Issued sync outcomes",
			},
			[]string{"sync_type", "outcome"},
		),

		SyncDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_duration_seconds",
				Help:      "Time from issuing a sync to its outcome",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
			},
			[]string{"sync_type"},
		),

		ReconfigMode: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reconfig_mode",
				Help:      "Highest enabled reconfig mode rank",
			},
		),

		RegistrySize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registry_nodes",
				Help:      "Registered nodes in the current registry snapshot",
			},
		),

		RegistryRefreshFailure: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registry_refresh_failures_total",
				Help:      "Failed registry refreshes",
			},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Jobs waiting or delayed per queue",
			},
			[]string{"queue"},
		),

		JobsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_completed_total",
				Help:      "Jobs that completed successfully",
			},
			[]string{"queue"},
		),

		JobsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_failed_total",
				Help:      "Job attempts that returned an error",
			},
			[]string{"queue"},
		),

		JobsDeadLettered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_dead_lettered_total",
				Help:      "Jobs that exhausted their attempt budget",
			},
			[]string{"queue"},
		),

		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Job execution time",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),

		WorkerUtilization: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_utilization_percent",
				Help:      "Share of job workers busy, sampled as each job finishes",
			},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Operational HTTP requests",
			},
			[]string{"route", "status"},
		),
	}
}
