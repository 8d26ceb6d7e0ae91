package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Результаты перехода для метки result.
const (
	ResultApplied = "applied"
	ResultNoMatch = "no_match"
	ResultError   = "error"
)

var (
	// WorkloadTransitions — переходы state machine по операции и результату.
	WorkloadTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_workload_transitions_total",
		Help: "Workload state machine transitions by operation and result",
	}, []string{"op", "result"})

	// WorkloadsCreated — созданные workloads по типу.
	WorkloadsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_workloads_created_total",
		Help: "Workloads created and enqueued, by type",
	}, []string{"type"})

	// WorkloadsSuperseded — активные workloads, вытесненные новым с тем же mutex key.
	WorkloadsSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_workloads_superseded_total",
		Help: "Active workloads failed because a newer workload took their mutex key",
	})

	// QueuePolled — выданные poll элементы по dataplane group.
	QueuePolled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_queue_polled_total",
		Help: "Queue items handed out by poll, by dataplane group",
	}, []string{"dataplane_group"})

	// QueuePollDuration — длительность poll.
	QueuePollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "conveyor_queue_poll_duration_seconds",
		Help:    "Duration of a single queue poll",
		Buckets: prometheus.DefBuckets,
	})

	// QueueDepth — доступные к выдаче элементы по партиции (обновляет reaper).
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conveyor_queue_depth",
		Help: "Dispatchable queue items per dataplane group and priority",
	}, []string{"dataplane_group", "priority"})

	// ExpiredWorkloads — найденные reaper'ом просроченные workloads по действию.
	ExpiredWorkloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_expired_workloads_total",
		Help: "Workloads past their deadline found by the reaper, by action",
	}, []string{"action"})

	// QueueGCDeleted — удалённые подтверждённые элементы очереди.
	QueueGCDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_queue_gc_deleted_total",
		Help: "Acked queue items removed by garbage collection",
	})

	// ExecutionDuration — длительность выполнения workload на воркере.
	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conveyor_worker_execution_duration_seconds",
		Help:    "Workload execution time on the worker, by type and outcome",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
	}, []string{"type", "outcome"})
)

// RecordTransition учитывает результат перехода.
func RecordTransition(op string, ok bool, err error) {
	result := ResultApplied
	switch {
	case err != nil:
		result = ResultError
	case !ok:
		result = ResultNoMatch
	}
	WorkloadTransitions.WithLabelValues(op, result).Inc()
}

// SetQueueDepth заменяет значения gauge текущей статистикой.
// Партиции, которых нет в stats, пропадают из экспорта.
func SetQueueDepth(stats []domain.QueueStats) {
	QueueDepth.Reset()
	for _, s := range stats {
		QueueDepth.WithLabelValues(s.DataplaneGroup, strconv.Itoa(s.Priority)).Set(float64(s.EnqueuedCount))
	}
}
