package synckit

import "time"

// MetricsCollector provides hooks for collecting sync operation metrics
type MetricsCollector interface {
	// RecordSyncDuration records how long a reconciliation pass took
	RecordSyncDuration(duration time.Duration)

	// RecordSyncResult records the per-pass outcome counters
	RecordSyncResult(result SyncResult)

	// RecordConflict records a detected conflict by change type
	RecordConflict(changeType ChangeType)

	// RecordRemoteError records a failed remote call by operation
	RecordRemoteError(operation string)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordSyncDuration(time.Duration) {}
func (NoOpMetricsCollector) RecordSyncResult(SyncResult)      {}
func (NoOpMetricsCollector) RecordConflict(ChangeType)        {}
func (NoOpMetricsCollector) RecordRemoteError(string)         {}
