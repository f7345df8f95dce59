package metrics

import (
	"sync"
	"time"

	"caresync/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "caresync"

var (
	once sync.Once

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_items",
			Help:      "Queue items by status.",
		},
		[]string{"status"},
	)

	itemOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_outcomes_total",
			Help:      "Replayed queue items by entity and outcome.",
		},
		[]string{"entity", "outcome"},
	)

	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycles_total",
			Help:      "Sync cycles by trigger and result.",
		},
		[]string{"trigger", "result"},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_cycle_duration_seconds",
			Help:      "Duration of completed sync cycles.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	conflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Resolved conflicts by entity and policy.",
		},
		[]string{"entity", "policy"},
	)

	online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_online",
			Help:      "1 when the remote API is reachable.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(queueDepth, itemOutcomes, cycles, cycleDuration, conflicts, online)
	})
}

// SetQueueStats publishes queue depth per status.
func SetQueueStats(stats models.QueueStats) {
	queueDepth.WithLabelValues(string(models.StatusPending)).Set(float64(stats.Pending))
	queueDepth.WithLabelValues(string(models.StatusProcessing)).Set(float64(stats.Processing))
	queueDepth.WithLabelValues(string(models.StatusFailed)).Set(float64(stats.Failed))
}

// IncOutcome counts one replay outcome: completed, retry, failed or conflict.
func IncOutcome(entity, outcome string) {
	itemOutcomes.WithLabelValues(entity, outcome).Inc()
}

// ObserveCycle records a cycle. Skipped cycles carry no duration.
func ObserveCycle(trigger, result string, d time.Duration) {
	cycles.WithLabelValues(trigger, result).Inc()
	if d > 0 {
		cycleDuration.Observe(d.Seconds())
	}
}

func IncConflict(entity string, policy models.ConflictPolicy) {
	conflicts.WithLabelValues(entity, string(policy)).Inc()
}

func SetOnline(v bool) {
	if v {
		online.Set(1)
		return
	}
	online.Set(0)
}
