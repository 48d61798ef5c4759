package synckit

import (
	"log/slog"
	"time"
)

// Tables names the remote tables the reconciler writes to.
type Tables struct {
	// Relationships holds the shared relationship rows targeted by
	// create, update, delete and end changes.
	Relationships string `yaml:"relationships"`
	// Requests holds the rows targeted by accept and reject changes.
	Requests string `yaml:"requests"`
}

// DefaultTables returns the default table names.
func DefaultTables() Tables {
	return Tables{Relationships: "relationships", Requests: "relationship_requests"}
}

// Option is a functional option for configuring a Reconciler via NewReconciler.
type Option func(*Reconciler)

// WithConflictResolver sets the conflict resolution strategy used for
// every pass. Without one, conflicts are recorded and left queued.
func WithConflictResolver(r ConflictResolver) Option {
	return func(rc *Reconciler) { rc.resolver = r }
}

// WithTables overrides the remote table names. Empty fields keep defaults.
func WithTables(t Tables) Option {
	return func(rc *Reconciler) {
		if t.Relationships != "" {
			rc.tables.Relationships = t.Relationships
		}
		if t.Requests != "" {
			rc.tables.Requests = t.Requests
		}
	}
}

// WithClock overrides the clock used for detection and end timestamps.
func WithClock(now func() time.Time) Option {
	return func(rc *Reconciler) { rc.now = now }
}

// WithLogger sets the reconciler logger.
func WithLogger(l *slog.Logger) Option {
	return func(rc *Reconciler) { rc.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(rc *Reconciler) { rc.metrics = m }
}
