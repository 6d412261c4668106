package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "replan"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	opportunitiesTotal *prometheus.CounterVec
	actionsGenerated   *prometheus.CounterVec
	adaptationsTotal   *prometheus.CounterVec
	applyDuration      prometheus.Histogram
	cycleDuration      prometheus.Histogram
	staleRejections    prometheus.Counter
	canceledRequests   prometheus.Counter
	historyErrorsTotal *prometheus.CounterVec
	archivedTotal      prometheus.Counter
	alternativeReloads *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current queue size by lane kind.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total enqueue operations by lane kind.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total dequeue/completion operations by lane kind and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Task execution duration in seconds by lane kind.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			opportunitiesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "opportunities_detected_total",
					Help:      "Total adaptation opportunities detected by kind.",
				},
				[]string{"kind"},
			),
			actionsGenerated: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "actions_generated_total",
					Help:      "Total candidate adaptation actions generated by strategy.",
				},
				[]string{"strategy"},
			),
			adaptationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "adaptations_total",
					Help:      "Total adaptation attempts by strategy and outcome.",
				},
				[]string{"strategy", "outcome"},
			),
			applyDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "apply_duration_seconds",
					Help:      "Duration of applying a single adaptation in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			cycleDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "adaptation_cycle_duration_seconds",
					Help:      "Duration of a full triggered adaptation cycle in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			staleRejections: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "stale_rejections_total",
					Help:      "Total actions rejected because they targeted an old plan version.",
				},
			),
			canceledRequests: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "adaptation_requests_canceled_total",
					Help:      "Total adaptation requests canceled while waiting on their plan.",
				},
			),
			historyErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "history_errors_total",
					Help:      "Total history store failures by operation.",
				},
				[]string{"op"},
			),
			archivedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "history_archived_total",
					Help:      "Total adaptation records moved to the archive sink.",
				},
			),
			alternativeReloads: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "alternatives_reloads_total",
					Help:      "Total alternatives registry reloads by status.",
				},
				[]string{"status"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.opportunitiesTotal,
			m.actionsGenerated,
			m.adaptationsTotal,
			m.applyDuration,
			m.cycleDuration,
			m.staleRejections,
			m.canceledRequests,
			m.historyErrorsTotal,
			m.archivedTotal,
			m.alternativeReloads,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// laneKind strips the key from a lane name so per-plan lanes share one series.
func laneKind(lane string) string {
	if kind, _, ok := strings.Cut(lane, ":"); ok {
		return kind
	}
	return lane
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(laneKind(lane)).Inc()
	m.queueSize.WithLabelValues(laneKind(lane)).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(laneKind(lane)).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "success"
	if !success {
		status = "error"
	}
	m.dequeueTotal.WithLabelValues(laneKind(lane), status).Inc()
	m.taskDuration.WithLabelValues(laneKind(lane)).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(laneKind(lane)).Set(float64(queueSize))
}

func RecordOpportunity(kind string) {
	getMetrics().opportunitiesTotal.WithLabelValues(kind).Inc()
}

func RecordActionsGenerated(strategy string, count int) {
	getMetrics().actionsGenerated.WithLabelValues(strategy).Add(float64(count))
}

// RecordAdaptation counts an apply attempt; outcome is applied, reverted or stale.
func RecordAdaptation(strategy, outcome string, duration time.Duration) {
	m := getMetrics()
	m.adaptationsTotal.WithLabelValues(strategy, outcome).Inc()
	if outcome == "stale" {
		m.staleRejections.Inc()
		return
	}
	m.applyDuration.Observe(duration.Seconds())
}

func RecordAdaptationCycle(duration time.Duration) {
	getMetrics().cycleDuration.Observe(duration.Seconds())
}

func RecordAdaptationCanceled() {
	getMetrics().canceledRequests.Inc()
}

func RecordHistoryError(op string) {
	getMetrics().historyErrorsTotal.WithLabelValues(op).Inc()
}

func RecordArchived(count int) {
	getMetrics().archivedTotal.Add(float64(count))
}

func RecordAlternativesReload(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	getMetrics().alternativeReloads.WithLabelValues(status).Inc()
}
