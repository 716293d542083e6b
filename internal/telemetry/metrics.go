package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksProcessed — число обработанных доставок по финальному состоянию
	// (SUCCEEDED, RETRY_SCHEDULED, FAILED).
	TasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_tasks_processed_total",
			Help: "Total number of task deliveries processed, by final state",
		},
		[]string{"task_type", "state"},
	)

	// TaskDuration — длительность выполнения handler'а.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_task_duration_seconds",
			Help:    "Histogram of handler execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	// TasksInFlight — число task, выполняющихся прямо сейчас.
	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_tasks_in_flight",
			Help: "Number of tasks currently being dispatched",
		},
	)

	// BrokerErrors — ошибки операций с брокером после всех повторов.
	BrokerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_broker_errors_total",
			Help: "Total number of broker operations that failed after retries",
		},
		[]string{"op"},
	)

	// BrokerReconnects — восстановления соединения с RabbitMQ.
	BrokerReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_broker_reconnects_total",
			Help: "Total number of restored broker connections",
		},
	)

	// ResultsLost — результаты, не записанные в result backend после
	// всех повторов.
	ResultsLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_results_lost_total",
			Help: "Total number of task results not written to the result backend",
		},
		[]string{"status"},
	)

	// ReportsSent — отправленные отчёты об ошибках.
	ReportsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_error_reports_total",
			Help: "Total number of error reports, by outcome",
		},
		[]string{"outcome"},
	)

	// BeatEnqueued — task, поставленные beat.
	BeatEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_beat_enqueued_total",
			Help: "Total number of periodic tasks enqueued by beat",
		},
		[]string{"task_type"},
	)

	// BeatLeader — 1, если процесс держит lock beat.
	BeatLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_beat_leader",
			Help: "Whether this beat process holds the leader lock",
		},
	)
)
