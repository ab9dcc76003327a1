package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	TasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
	)

	TasksRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_tasks_requeued_total",
			Help: "Total number of task re-queues after failure or timeout",
		},
	)

	TaskTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_task_timeouts_total",
			Help: "Total number of assigned tasks swept for exceeding their timeout",
		},
	)

	// Executor registries
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_workers_total",
			Help: "Total number of local workers by state",
		},
		[]string{"state"},
	)

	SlavesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_slaves_total",
			Help: "Total number of remote slaves by status",
		},
		[]string{"status"},
	)

	// Dispatch metrics
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_dispatches_total",
			Help: "Total number of task dispatches by target and outcome",
		},
		[]string{"target", "outcome"},
	)

	AssignmentLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hive_assignment_latency_seconds",
			Help:    "Time from submission to assignment in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Transport metrics
	TransportRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_transport_retries_total",
			Help: "Total number of HTTP attempt retries",
		},
	)

	TransportCircuitRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_transport_circuit_rejections_total",
			Help: "Total number of calls rejected while a circuit was open",
		},
	)

	CircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_circuit_transitions_total",
			Help: "Total number of circuit breaker transitions by direction",
		},
		[]string{"direction"},
	)

	// Supervisor metrics
	SupervisorRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_supervisor_restarts_total",
			Help: "Total number of supervised child restarts by component",
		},
		[]string{"component"},
	)

	// Human request metrics
	HumanRequestsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_human_requests_total",
			Help: "Total number of human requests by state",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		TasksSubmitted,
		TasksRequeued,
		TaskTimeouts,
		WorkersTotal,
		SlavesTotal,
		DispatchesTotal,
		AssignmentLatency,
		TransportRetries,
		TransportCircuitRejections,
		CircuitTransitions,
		SupervisorRestarts,
		HumanRequestsTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
