package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "promoter"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	tasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Tasks written to the active queue.",
		},
		[]string{"kind", "platform", "reason"},
	)

	taskOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Resolved task executions by outcome (completed, retry, dead_letter).",
		},
		[]string{"kind", "platform", "outcome"},
	)

	publishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Latency of platform publish calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"platform"},
	)

	leasesReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_reclaimed_total",
			Help:      "Processing tasks returned to the queue after their lease expired.",
		},
	)

	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Secondary worker job runs by result.",
		},
		[]string{"job", "result"},
	)

	lastTick = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_last_tick_timestamp_seconds",
			Help:      "Unix time of the last completed worker tick.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, tasksEnqueued, taskOutcomes,
			publishDuration, leasesReclaimed, jobRuns, lastTick)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncEnqueued(kind, platform, reason string) {
	tasksEnqueued.WithLabelValues(kind, platform, reason).Inc()
}

func IncOutcome(kind, platform, outcome string) {
	taskOutcomes.WithLabelValues(kind, platform, outcome).Inc()
}

func ObservePublish(platform string, seconds float64) {
	publishDuration.WithLabelValues(platform).Observe(seconds)
}

func AddReclaimed(n int) {
	leasesReclaimed.Add(float64(n))
}

func IncJob(job string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	jobRuns.WithLabelValues(job, result).Inc()
}

func SetLastTick(unix float64) {
	lastTick.Set(unix)
}
