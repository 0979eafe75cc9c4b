package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ContainersTotal reports live containers grouped by state.
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portod_containers_total",
			Help: "Total number of containers by state",
		},
		[]string{"state"},
	)

	IdsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "portod_ids_in_use",
			Help: "Number of container ids currently allocated from the id map",
		},
	)

	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portod_container_start_duration_seconds",
			Help:    "Time taken to run the Start algorithm (§4.2) end to end",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portod_container_stop_duration_seconds",
			Help:    "Time taken to run the Stop algorithm end to end",
			Buckets: prometheus.DefBuckets,
		},
	)

	ComposerStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portod_composer_step_duration_seconds",
			Help:    "Time taken by Composer.Start; only the step=total label is observed, individual steps are not timed",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	RespawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portod_respawns_total",
			Help: "Total number of automatic respawns performed",
		},
		[]string{"container"},
	)

	OOMKillsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portod_oom_kills_total",
			Help: "Total number of containers whose task was OOM-killed",
		},
	)

	ReaperExitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portod_reaper_exits_total",
			Help: "Total number of waitpid exit events delivered by the reaper",
		},
	)

	ReaperUnackedExits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "portod_reaper_unacked_exits",
			Help: "Number of exit events buffered in the reaper awaiting slave ack",
		},
	)

	SlaveRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portod_slave_restarts_total",
			Help: "Total number of times the reaper has respawned the slave process",
		},
	)

	KvStoreAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portod_kvstore_appends_total",
			Help: "Total number of KvStore record appends",
		},
	)

	KvStoreCompactionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portod_kvstore_compactions_total",
			Help: "Total number of KvStore files compacted via Save",
		},
	)

	RecoveredContainersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portod_recovered_containers_total",
			Help: "Total number of containers reconstructed from KvStore at slave startup",
		},
	)

	LostContainersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portod_lost_containers_total",
			Help: "Total number of containers found Dead-by-loss during recovery (§4.6 step 6)",
		},
	)

	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portod_rpc_requests_total",
			Help: "Total number of RPC requests by method and error kind",
		},
		[]string{"method", "error_kind"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portod_rpc_request_duration_seconds",
			Help:    "RPC request duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	WorkerPoolQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "portod_workerpool_queue_depth",
			Help: "Number of RPC jobs queued but not yet picked up by a worker",
		},
	)

	WaitersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "portod_waiters_active",
			Help: "Number of registered wait() subscriptions that have not yet fired",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portod_reconciliation_duration_seconds",
			Help:    "Time taken for an aging/respawn reconciliation sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portod_reconciliation_cycles_total",
			Help: "Total number of reconciliation sweeps completed",
		},
	)

	ReapedContainersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portod_reconciler_aged_out_total",
			Help: "Total number of Dead containers removed after aging_time elapsed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ContainersTotal,
		IdsInUse,
		ContainerStartDuration,
		ContainerStopDuration,
		ComposerStepDuration,
		RespawnsTotal,
		OOMKillsTotal,
		ReaperExitsTotal,
		ReaperUnackedExits,
		SlaveRestartsTotal,
		KvStoreAppendsTotal,
		KvStoreCompactionsTotal,
		RecoveredContainersTotal,
		LostContainersTotal,
		RPCRequestsTotal,
		RPCRequestDuration,
		WorkerPoolQueueDepth,
		WaitersActive,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		ReapedContainersTotal,
	)
}

// Handler returns the Prometheus HTTP handler, served alongside the RPC
// socket on a loopback-only debug listener.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
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

// ObserveDurationVec records the elapsed duration to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
