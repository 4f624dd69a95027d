// Package metrics provides Prometheus metrics for Pelican.
//
// Operation Metrics:
//   - pelican_operations_total: Control plane operations by name and status
//   - pelican_conflict_retries_total: Conditional write retries by operation
//   - pelican_access_denied_total: Denied requests by action
//
// Cold Storage Metrics:
//   - pelican_objects_archived_total: Objects moved to the cold tier
//   - pelican_restores_requested_total: Restore requests accepted
//   - pelican_restores_expired_total: Restored copies swept back to archive
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts control plane operations.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelican_operations_total",
			Help: "Total number of control plane operations",
		},
		[]string{"operation", "status"},
	)

	// ConflictRetries counts conditional write retries after version conflicts.
	ConflictRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelican_conflict_retries_total",
			Help: "Total number of conditional write retries",
		},
		[]string{"operation"},
	)

	// AccessDenied counts requests rejected by ACL or retention checks.
	AccessDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelican_access_denied_total",
			Help: "Total number of denied requests",
		},
		[]string{"action"},
	)

	// ObjectsArchived counts objects sealed into the cold tier.
	ObjectsArchived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelican_objects_archived_total",
			Help: "Total number of objects archived to cold storage",
		},
		[]string{"tier"},
	)

	// RestoresRequested counts accepted restore requests.
	RestoresRequested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelican_restores_requested_total",
			Help: "Total number of restore requests accepted",
		},
		[]string{"tier"},
	)

	// RestoresExpired counts restored copies returned to the archive by the sweeper.
	RestoresExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pelican_restores_expired_total",
			Help: "Total number of expired restores swept back to archive",
		},
	)
)

// RecordOperation tracks one operation outcome.
func RecordOperation(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}

	OperationsTotal.WithLabelValues(operation, status).Inc()
}
