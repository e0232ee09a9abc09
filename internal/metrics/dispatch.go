package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "job_transitions_total",
			Help:      "Job lifecycle transitions by operation and resulting status.",
		},
		[]string{"op", "status"},
	)

	GatewayOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "gateway_outcomes_total",
			Help:      "Per-message gateway outcomes.",
		},
		[]string{"result"},
	)

	BatchSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "batch_send_duration_seconds",
			Help:      "Latency of one gateway batch call.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	ProcessorsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dispatch",
			Name:      "processors_in_flight",
			Help:      "Jobs currently being processed by this worker.",
		},
	)

	WorkerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "worker_ticks_total",
			Help:      "Worker poll ticks by result.",
		},
		[]string{"result"},
	)

	ProcessorFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "processor_failures_total",
			Help:      "Processor runs that ended in an error or panic.",
		},
		[]string{"kind"},
	)

	JobLocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "job_locks_total",
			Help:      "Per-job lock outcomes: acquired, busy, lost, error.",
		},
		[]string{"result"},
	)

	CampaignWriteBackFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "campaign_writeback_failures_total",
			Help:      "Campaign status or count updates that failed.",
		},
	)

	EventPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "event_publish_failures_total",
			Help:      "Job events that could not be published.",
		},
	)
)

func init() {
	register(
		JobTransitions,
		GatewayOutcomes,
		BatchSendDuration,
		ProcessorsInFlight,
		WorkerTicks,
		ProcessorFailures,
		JobLocks,
		CampaignWriteBackFailures,
		EventPublishFailures,
	)
}
