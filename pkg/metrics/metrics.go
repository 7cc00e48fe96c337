package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job service metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hvorchestrator_jobs_total",
			Help: "Total number of jobs submitted, by job_type and terminal status",
		},
		[]string{"job_type", "status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hvorchestrator_job_duration_seconds",
			Help:    "Time from job start to terminal state, in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job_type"},
	)

	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hvorchestrator_jobs_in_flight",
			Help: "Number of jobs currently in the running state",
		},
	)

	// Scheduler metrics
	SchedulerTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hvorchestrator_scheduler_tasks_total",
			Help: "Total number of scheduler tasks executed, by category and outcome",
		},
		[]string{"category", "outcome"},
	)

	SchedulerTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hvorchestrator_scheduler_task_duration_seconds",
			Help:    "Scheduler task execution duration in seconds, by category",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"category"},
	)

	SchedulerWorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hvorchestrator_scheduler_workers_active",
			Help: "Current number of SHORT-lane worker goroutines",
		},
	)

	// Inventory metrics
	InventoryHostsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hvorchestrator_inventory_hosts_total",
			Help: "Total number of tracked hosts, by connected status",
		},
		[]string{"connected"},
	)

	InventoryVMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hvorchestrator_inventory_vms_total",
			Help: "Total number of tracked VMs, by state",
		},
		[]string{"state"},
	)

	InventoryRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hvorchestrator_inventory_refresh_duration_seconds",
			Help:    "Time taken for one inventory refresh cycle, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	InventoryRefreshCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hvorchestrator_inventory_refresh_cycles_total",
			Help: "Total number of inventory refresh cycles completed",
		},
	)

	InventoryStaleSnapshotsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hvorchestrator_inventory_stale_snapshots_dropped_total",
			Help: "Total number of inventory snapshots discarded for being older than the applied epoch",
		},
	)

	// Notification / WebSocket metrics
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hvorchestrator_notifications_total",
			Help: "Total number of notifications created or upserted, by category",
		},
		[]string{"category"},
	)

	WSClientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hvorchestrator_ws_clients_connected",
			Help: "Number of currently connected WebSocket clients",
		},
	)

	WSBroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hvorchestrator_ws_broadcasts_total",
			Help: "Total number of WebSocket broadcasts sent, by topic",
		},
		[]string{"topic"},
	)

	// Auth metrics
	AuthTokenValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hvorchestrator_auth_token_validations_total",
			Help: "Total number of bearer token validations, by outcome",
		},
		[]string{"outcome"},
	)

	AuthJWKSRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hvorchestrator_auth_jwks_refreshes_total",
			Help: "Total number of JWKS refreshes, by trigger (ttl, force) and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	// HTTP API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hvorchestrator_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hvorchestrator_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		JobDuration,
		JobsInFlight,
		SchedulerTasksTotal,
		SchedulerTaskDuration,
		SchedulerWorkersActive,
		InventoryHostsTotal,
		InventoryVMsTotal,
		InventoryRefreshDuration,
		InventoryRefreshCyclesTotal,
		InventoryStaleSnapshotsDropped,
		NotificationsTotal,
		WSClientsConnected,
		WSBroadcastsTotal,
		AuthTokenValidationsTotal,
		AuthJWKSRefreshesTotal,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
