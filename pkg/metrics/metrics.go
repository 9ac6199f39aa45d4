// Package metrics exposes the Prometheus instrumentation for the preview
// pipeline: queue flow, worker heartbeats, OCR invocations and the
// per-stage concurrency gates.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "previewd_queue_depth",
		Help: "Current number of pending tasks per queue",
	}, []string{"queue"})

	QueueEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "previewd_queue_enqueued_total",
		Help: "Total tasks enqueued per queue",
	}, []string{"queue"})

	QueueDequeuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "previewd_queue_dequeued_total",
		Help: "Total tasks dequeued per queue, labelled by handling outcome",
	}, []string{"queue", "outcome"})

	QueueRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "previewd_queue_retries_total",
		Help: "Total task redeliveries per queue",
	}, []string{"queue"})

	WorkerInflight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "previewd_worker_inflight_tasks",
		Help: "Tasks currently being processed per consumer",
	}, []string{"consumer"})

	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "previewd_worker_heartbeats_total",
		Help: "Worker heartbeats observed by the master, labelled by outcome",
	}, []string{"worker", "outcome"})

	HeartbeatTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "previewd_worker_heartbeat_timeouts_total",
		Help: "Heartbeat timeouts detected by the watchdog",
	}, []string{"worker"})

	OCRInvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "previewd_ocr_invocations_total",
		Help: "OCR engine invocations, labelled by outcome",
	}, []string{"outcome"})

	OCRDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "previewd_ocr_duration_seconds",
		Help:    "Duration of single OCR engine invocations",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	PipelineStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "previewd_pipeline_stage_duration_seconds",
		Help:    "Duration of pipeline stages, labelled by stage and outcome",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage", "outcome"})

	DownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "previewd_material_downloads_total",
		Help: "Material download attempts, labelled by source and outcome",
	}, []string{"source", "outcome"})

	DynamicWorkerRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "previewd_dynamic_worker_running",
		Help: "Whether the master's embedded worker is currently running",
	})

	BrokerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "previewd_broker_failures_total",
		Help: "Task broker connectivity failures, labelled by kind",
	}, []string{"kind"})
)

func RecordQueueDepth(queue string, depth float64) {
	QueueDepth.WithLabelValues(queue).Set(depth)
}

func RecordQueueEnqueue(queue string) {
	QueueEnqueuedTotal.WithLabelValues(queue).Inc()
}

func RecordQueueDequeue(queue string, success bool) {
	QueueDequeuedTotal.WithLabelValues(queue, outcome(success)).Inc()
}

func RecordQueueRetry(queue string) {
	QueueRetriesTotal.WithLabelValues(queue).Inc()
}

func RecordWorkerInflight(consumer string, inflight float64) {
	WorkerInflight.WithLabelValues(consumer).Set(inflight)
}

func RecordHeartbeat(worker string, success bool) {
	HeartbeatsTotal.WithLabelValues(worker, outcome(success)).Inc()
}

func RecordHeartbeatTimeout(worker string) {
	HeartbeatTimeoutsTotal.WithLabelValues(worker).Inc()
}

func RecordOCRInvocation(success bool, duration time.Duration) {
	OCRInvocationsTotal.WithLabelValues(outcome(success)).Inc()
	OCRDuration.Observe(duration.Seconds())
}

func RecordPipelineStage(stage string, success bool, duration time.Duration) {
	PipelineStageDuration.WithLabelValues(stage, outcome(success)).Observe(duration.Seconds())
}

func RecordDownload(source string, success bool) {
	DownloadsTotal.WithLabelValues(source, outcome(success)).Inc()
}

func RecordDynamicWorkerRunning(running bool) {
	if running {
		DynamicWorkerRunning.Set(1)
	} else {
		DynamicWorkerRunning.Set(0)
	}
}

func RecordBrokerFailure(kind string) {
	BrokerFailuresTotal.WithLabelValues(kind).Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
