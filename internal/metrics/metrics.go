// Package metrics exposes the service's Prometheus collectors:
// queue depth per priority bucket, permit utilization per class, phase
// duration, and job outcome counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aperio-dev/aperio/internal/permits"
	"github.com/aperio-dev/aperio/internal/queue"
	"github.com/aperio-dev/aperio/internal/store"
)

// Collector holds gauges sampled from the live queue/gate and exposes
// counters/histograms the rest of the service reports into directly.
type Collector struct {
	QueueDepth    *prometheus.GaugeVec
	PermitsInUse  *prometheus.GaugeVec
	PermitsLimit  *prometheus.GaugeVec
	PhaseDuration *prometheus.HistogramVec
	JobOutcomes   *prometheus.CounterVec
}

// New registers every collector against reg. Only the total queue
// length is read on each scrape (a GaugeFunc); the gauge vecs change
// only when Refresh is called.
func New(reg prometheus.Registerer, q *queue.PriorityQueue, gate *permits.Gate) *Collector {
	factory := promauto.With(reg)

	c := &Collector{
		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aperio",
			Name:      "phase_duration_seconds",
			Help:      "Duration of a job's download or process phase.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"phase", "outcome"}),
		JobOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aperio",
			Name:      "jobs_total",
			Help:      "Total jobs reaching a terminal state, by outcome.",
		}, []string{"outcome"}),
	}

	c.QueueDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aperio",
		Name:      "queue_depth",
		Help:      "Number of jobs waiting in the priority queue, by priority.",
	}, []string{"priority"})

	c.PermitsInUse = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aperio",
		Name:      "permits_in_use",
		Help:      "Permits currently held, by class.",
	}, []string{"class"})

	c.PermitsLimit = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aperio",
		Name:      "permits_limit",
		Help:      "Configured permit ceiling, by class.",
	}, []string{"class"})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "aperio",
		Name:      "queue_length_total",
		Help:      "Total queued jobs across all priorities.",
	}, func() float64 { return float64(q.Len()) })

	return c
}

// Refresh re-samples the gauge vecs from live queue/gate state. Called
// just before serving /metrics, since GaugeVec has no built-in
// callback hook the way GaugeFunc does.
func (c *Collector) Refresh(q *queue.PriorityQueue, gate *permits.Gate) {
	for priority, depth := range q.LenByPriority() {
		c.QueueDepth.WithLabelValues(priority.String()).Set(float64(depth))
	}

	snap := gate.Snapshot()
	c.PermitsInUse.WithLabelValues("download").Set(float64(snap.DownloadInUse))
	c.PermitsInUse.WithLabelValues("process").Set(float64(snap.ProcessInUse))
	c.PermitsInUse.WithLabelValues("total_active").Set(float64(snap.TotalActiveInUse))
	c.PermitsLimit.WithLabelValues("download").Set(float64(snap.DownloadLimit))
	c.PermitsLimit.WithLabelValues("process").Set(float64(snap.ProcessLimit))
	c.PermitsLimit.WithLabelValues("total_active").Set(float64(snap.TotalActiveLimit))
}

// ObservePhase records a completed phase's duration and outcome.
func (c *Collector) ObservePhase(phase string, outcome string, seconds float64) {
	c.PhaseDuration.WithLabelValues(phase, outcome).Observe(seconds)
}

// ObserveJobOutcome increments the terminal-state counter for a job.
func (c *Collector) ObserveJobOutcome(outcome store.Status) {
	c.JobOutcomes.WithLabelValues(string(outcome)).Inc()
}
