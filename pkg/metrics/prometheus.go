// Package metrics provides Prometheus metrics for the stepscore service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      map[string]string
	registry         prometheus.Registerer

	// Ingestion
	submissions        *prometheus.CounterVec
	recordsCreated     prometheus.Counter
	recordsSoftDeleted prometheus.Counter
	recordsPurged      prometheus.Counter
	activeRecords      prometheus.Gauge

	// Change feed
	batchesPublished prometheus.Counter
	batchesDropped   prometheus.Counter
	batchesProcessed prometheus.Counter
	groupsFailed     prometheus.Counter
	duplicates       prometheus.Counter

	// Summary maintenance
	bucketChanges  *prometheus.CounterVec
	bucketNotFound *prometheus.CounterVec
	bucketClamped  prometheus.Counter
	conflicts      *prometheus.CounterVec
	radarUpdates   prometheus.Counter
	bucketRows     prometheus.Gauge

	// Reconciliation
	reconcileRuns     *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
	reconcileRows     prometheus.Gauge
	reconcileZeroed   prometheus.Gauge

	// Queue
	queueSize        prometheus.Gauge
	queueCapacity    prometheus.Gauge
	queueUtilization prometheus.Gauge
	queueEnqueue     prometheus.Counter
	queueDequeue     prometheus.Counter
	queueEnqueueErrs prometheus.Counter

	// Workers
	workerCount             prometheus.Gauge
	workerActiveCount       prometheus.Gauge
	workerIdleCount         prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	errorsByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "stepscore",
		subsystem:        "core",
		histogramBuckets: prometheus.DefBuckets,
		constLabels:      map[string]string{},
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	}
}

func (m *Manager) histogramOpts(name, help string) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		Buckets:     m.histogramBuckets,
		ConstLabels: m.constLabels,
	}
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one registration per metric
	auto := promauto.With(m.registry)

	m.submissions = auto.NewCounterVec(m.counterOpts("submissions_total", "Score submissions by outcome"), []string{"outcome"})
	m.recordsCreated = auto.NewCounter(m.counterOpts("records_created_total", "Score records created"))
	m.recordsSoftDeleted = auto.NewCounter(m.counterOpts("records_soft_deleted_total", "Score records scheduled for removal"))
	m.recordsPurged = auto.NewCounter(m.counterOpts("records_purged_total", "Expired score records physically removed"))
	m.activeRecords = auto.NewGauge(m.gaugeOpts("records_active", "Active score records in the store"))

	m.batchesPublished = auto.NewCounter(m.counterOpts("change_batches_published_total", "Change batches published to the feed"))
	m.batchesDropped = auto.NewCounter(m.counterOpts("change_batches_dropped_total", "Change batches dropped because the feed was full"))
	m.batchesProcessed = auto.NewCounter(m.counterOpts("change_batches_processed_total", "Change batches applied by the aggregator"))
	m.groupsFailed = auto.NewCounter(m.counterOpts("user_groups_failed_total", "Per-user groups that failed to apply"))
	m.duplicates = auto.NewCounter(m.counterOpts("changes_duplicate_total", "Redelivered record changes skipped"))

	m.bucketChanges = auto.NewCounterVec(m.counterOpts("bucket_changes_total", "Histogram bucket changes by kind and operation"), []string{"kind", "op"})
	m.bucketNotFound = auto.NewCounterVec(m.counterOpts("bucket_not_found_total", "Decrements that targeted a missing bucket"), []string{"kind"})
	m.bucketClamped = auto.NewCounter(m.counterOpts("bucket_clamped_total", "Decrements clamped to keep counts non-negative"))
	m.conflicts = auto.NewCounterVec(m.counterOpts("store_conflicts_total", "Optimistic concurrency conflicts by outcome"), []string{"outcome"})
	m.radarUpdates = auto.NewCounter(m.counterOpts("radar_updates_total", "Groove radar vectors regenerated"))
	m.bucketRows = auto.NewGauge(m.gaugeOpts("bucket_rows", "Histogram bucket rows in the store"))

	m.reconcileRuns = auto.NewCounterVec(m.counterOpts("reconcile_runs_total", "Reconciliation runs by status"), []string{"status"})
	m.reconcileDuration = auto.NewHistogram(m.histogramOpts("reconcile_duration_seconds", "Reconciliation run duration in seconds"))
	m.reconcileRows = auto.NewGauge(m.gaugeOpts("reconcile_rows", "Bucket rows written by the last reconciliation"))
	m.reconcileZeroed = auto.NewGauge(m.gaugeOpts("reconcile_zeroed_rows", "Bucket rows zeroed by the last reconciliation"))

	m.queueSize = auto.NewGauge(m.gaugeOpts("queue_size", "Current size of the change feed"))
	m.queueCapacity = auto.NewGauge(m.gaugeOpts("queue_capacity", "Maximum change feed capacity"))
	m.queueUtilization = auto.NewGauge(m.gaugeOpts("queue_utilization_ratio", "Change feed utilization ratio (size / capacity)"))
	m.queueEnqueue = auto.NewCounter(m.counterOpts("queue_enqueue_total", "Total number of batches enqueued"))
	m.queueDequeue = auto.NewCounter(m.counterOpts("queue_dequeue_total", "Total number of batches dequeued"))
	m.queueEnqueueErrs = auto.NewCounter(m.counterOpts("queue_enqueue_errors_total", "Total number of enqueue errors"))

	m.workerCount = auto.NewGauge(m.gaugeOpts("worker_count", "Number of configured workers"))
	m.workerActiveCount = auto.NewGauge(m.gaugeOpts("worker_active_count", "Number of active workers"))
	m.workerIdleCount = auto.NewGauge(m.gaugeOpts("worker_idle_count", "Number of idle workers"))
	m.workerProcessingLatency = auto.NewHistogram(m.histogramOpts("worker_processing_latency_milliseconds", "Per-batch processing latency in milliseconds"))
	m.workerErrors = auto.NewCounter(m.counterOpts("worker_errors_total", "Total number of worker errors"))

	m.httpRequests = auto.NewCounterVec(m.counterOpts("http_requests_total", "HTTP requests by endpoint and method"), []string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(m.histogramOpts("http_request_duration_milliseconds", "HTTP request duration in milliseconds"), []string{"endpoint", "method", "status_code"})

	m.errorsByComponent = auto.NewCounterVec(m.counterOpts("errors_by_component_total", "Errors by component"), []string{"component", "error_type"})

	m.systemMemoryUsage = auto.NewGauge(m.gaugeOpts("system_memory_usage_bytes", "System memory usage in bytes"))
	m.systemGoroutineCount = auto.NewGauge(m.gaugeOpts("system_goroutine_count", "Number of goroutines"))
}

// Ingestion.

// RecordSubmission counts a submission by outcome (improved, noop, rejected).
func RecordSubmission(outcome string) {
	globalManager.submissions.WithLabelValues(outcome).Inc()
}

// RecordRecordsCreated adds n created records.
func RecordRecordsCreated(n int) {
	globalManager.recordsCreated.Add(float64(n))
}

// RecordRecordsSoftDeleted adds n soft-deleted records.
func RecordRecordsSoftDeleted(n int) {
	globalManager.recordsSoftDeleted.Add(float64(n))
}

// RecordRecordsPurged adds n purged records.
func RecordRecordsPurged(n int) {
	globalManager.recordsPurged.Add(float64(n))
}

// UpdateActiveRecords sets the active record gauge.
func UpdateActiveRecords(n int) {
	globalManager.activeRecords.Set(float64(n))
}

// Change feed.

func RecordBatchPublished() { globalManager.batchesPublished.Inc() }
func RecordBatchDropped()   { globalManager.batchesDropped.Inc() }
func RecordBatchProcessed() { globalManager.batchesProcessed.Inc() }
func RecordGroupFailed()    { globalManager.groupsFailed.Inc() }

// RecordDuplicateSkipped counts a redelivered change that was not applied again.
func RecordDuplicateSkipped() {
	globalManager.duplicates.Inc()
}

// Summary maintenance.

// RecordBucketChange counts a bucket operation; op is increment, decrement or create.
func RecordBucketChange(kind, op string) {
	globalManager.bucketChanges.WithLabelValues(kind, op).Inc()
}

// RecordBucketNotFound counts a decrement whose bucket did not exist.
func RecordBucketNotFound(kind string) {
	globalManager.bucketNotFound.WithLabelValues(kind).Inc()
}

// RecordBucketClamped counts a decrement that would have gone negative.
func RecordBucketClamped() {
	globalManager.bucketClamped.Inc()
}

// RecordStoreConflict counts an optimistic concurrency conflict; outcome is
// retried or exhausted.
func RecordStoreConflict(outcome string) {
	globalManager.conflicts.WithLabelValues(outcome).Inc()
}

// RecordRadarUpdate counts a regenerated radar vector.
func RecordRadarUpdate() {
	globalManager.radarUpdates.Inc()
}

// UpdateBucketRows sets the bucket row gauge.
func UpdateBucketRows(n int) {
	globalManager.bucketRows.Set(float64(n))
}

// Reconciliation.

// RecordReconciliation records one run. rows and zeroed are ignored on failure.
func RecordReconciliation(status string, seconds float64, rows, zeroed int) {
	globalManager.reconcileRuns.WithLabelValues(status).Inc()
	globalManager.reconcileDuration.Observe(seconds)
	if status == "success" {
		globalManager.reconcileRows.Set(float64(rows))
		globalManager.reconcileZeroed.Set(float64(zeroed))
	}
}

// Queue.

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// UpdateQueueUtilization sets the queue utilization ratio.
func UpdateQueueUtilization(utilization float64) {
	globalManager.queueUtilization.Set(utilization)
}

func RecordQueueEnqueue()      { globalManager.queueEnqueue.Inc() }
func RecordQueueDequeue()      { globalManager.queueDequeue.Inc() }
func RecordQueueEnqueueError() { globalManager.queueEnqueueErrs.Inc() }

// Workers.

// UpdateWorkerCount sets the configured worker count.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// UpdateWorkerActiveCount sets the number of active workers.
func UpdateWorkerActiveCount(count int) {
	globalManager.workerActiveCount.Set(float64(count))
}

// UpdateWorkerIdleCount sets the number of idle workers.
func UpdateWorkerIdleCount(count int) {
	globalManager.workerIdleCount.Set(float64(count))
}

// RecordWorkerProcessingLatency records per-batch processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	globalManager.workerErrors.Inc()
}

// HTTP.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// System.

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
