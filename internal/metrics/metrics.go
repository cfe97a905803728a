// Package metrics provides Prometheus metrics for the backup agent.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StorageOperations counts adapter operations by outcome.
	StorageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "s3_backup_agent_operations_total",
		Help: "Total number of backup storage operations",
	}, []string{"operation", "status"})

	// OperationDuration tracks how long adapter operations take.
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "s3_backup_agent_operation_duration_seconds",
		Help:    "Duration of backup storage operations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
	}, []string{"operation"})

	// BytesTransferred counts archive bytes moved to and from the bucket.
	BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "s3_backup_agent_bytes_total",
		Help: "Total number of archive bytes transferred",
	}, []string{"direction"})

	// SkippedMetadata counts metadata objects ignored during listing because they could not be parsed.
	SkippedMetadata = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s3_backup_agent_skipped_metadata_total",
		Help: "Total number of unreadable metadata objects skipped while listing",
	})

	// Orphans reports the result of the last orphan scan.
	Orphans = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "s3_backup_agent_orphans",
		Help: "Objects without their counterpart found by the last orphan scan",
	}, []string{"kind"})

	// HTTPRequests counts agent API requests by route template and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "s3_backup_agent_http_requests_total",
		Help: "Total number of HTTP API requests",
	}, []string{"method", "route", "code"})

	// Info provides static information about the agent.
	Info = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "s3_backup_agent_info",
		Help: "Information about the backup agent",
	}, []string{"version", "backend"})
)

// RecordOperation records the outcome and duration of an adapter operation.
func RecordOperation(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	StorageOperations.WithLabelValues(operation, status).Inc()
	OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RecordBytes adds n bytes to the given direction ("upload" or "download").
func RecordBytes(direction string, n int64) {
	if n > 0 {
		BytesTransferred.WithLabelValues(direction).Add(float64(n))
	}
}
