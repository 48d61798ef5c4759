// Package relsync lets an app keep editing shared relationship records while
// offline. Mutations are queued on the device, replayed in order against the
// remote store when connectivity returns, and concurrent edits from other
// devices are detected and handed to a conflict resolution strategy.
package relsync

import (
	"context"
	"log/slog"
	"time"

	syncErrors "github.com/c0deZ3R0/relsync/errors"
	"github.com/c0deZ3R0/relsync/logging"
	"github.com/c0deZ3R0/relsync/synckit"
)

// Config wires a Service. Local and Remote are required.
type Config struct {
	// Local is the durable key/value storage owned by this device.
	Local synckit.LocalStorage
	// Remote is the shared relational store.
	Remote synckit.RemoteStore
	// Resolver decides conflicts during a sync pass. Nil leaves every
	// conflict for manual resolution.
	Resolver synckit.ConflictResolver
	// Connectivity backs IsOnline. Defaults to synckit.AlwaysOnline.
	Connectivity synckit.Connectivity
	Tables       synckit.Tables
	Logger       *slog.Logger
	Metrics      synckit.MetricsCollector
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Service is the app-facing synchronizer API.
type Service struct {
	device       *synckit.DeviceIdentity
	queue        *synckit.Queue
	conflicts    *synckit.ConflictStore
	reconciler   *synckit.Reconciler
	connectivity synckit.Connectivity
	logger       *slog.Logger
}

// New builds a Service from cfg.
func New(cfg Config) (*Service, error) {
	const op syncErrors.Operation = "relsync.New"
	if cfg.Local == nil {
		return nil, syncErrors.E(op, syncErrors.KindInvalid, "local storage is required")
	}
	if cfg.Remote == nil {
		return nil, syncErrors.E(op, syncErrors.KindInvalid, "remote store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default().Logger
	}
	if cfg.Connectivity == nil {
		cfg.Connectivity = synckit.AlwaysOnline
	}
	if cfg.Metrics == nil {
		cfg.Metrics = synckit.NoOpMetricsCollector{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	component := func(name string) *slog.Logger {
		return logger.With(slog.Any("component", logging.Component(name)))
	}

	device := synckit.NewDeviceIdentity(cfg.Local, component("device-identity"))
	queue := synckit.NewQueue(cfg.Local, device,
		synckit.WithQueueClock(cfg.Clock),
		synckit.WithQueueLogger(component("queue")))
	conflicts := synckit.NewConflictStore(cfg.Local, component("conflict-store"))

	opts := []synckit.Option{
		synckit.WithTables(cfg.Tables),
		synckit.WithClock(cfg.Clock),
		synckit.WithLogger(component("reconciler")),
		synckit.WithMetrics(cfg.Metrics),
	}
	if cfg.Resolver != nil {
		opts = append(opts, synckit.WithConflictResolver(cfg.Resolver))
	}

	return &Service{
		device:       device,
		queue:        queue,
		conflicts:    conflicts,
		reconciler:   synckit.NewReconciler(queue, conflicts, cfg.Remote, opts...),
		connectivity: cfg.Connectivity,
		logger:       logger,
	}, nil
}

// QueueRelationshipChange records a change for later sync. Storage failures
// are logged and swallowed; use EnqueueRelationshipChange to observe them.
func (s *Service) QueueRelationshipChange(ctx context.Context, req synckit.ChangeRequest) {
	s.queue.Record(ctx, req)
}

// EnqueueRelationshipChange records a change and reports the queued entry
// or the failure.
func (s *Service) EnqueueRelationshipChange(ctx context.Context, req synckit.ChangeRequest) (synckit.QueuedChange, error) {
	return s.queue.Enqueue(ctx, req)
}

// OfflineQueue returns a snapshot of pending changes in enqueue order.
func (s *Service) OfflineQueue(ctx context.Context) ([]synckit.QueuedChange, error) {
	return s.queue.List(ctx)
}

// ClearOfflineQueue drops every pending change, e.g. on logout.
func (s *Service) ClearOfflineQueue(ctx context.Context) error {
	return s.queue.Clear(ctx)
}

// RemoveFromQueue drops one pending change by id.
func (s *Service) RemoveFromQueue(ctx context.Context, id string) error {
	return s.queue.Remove(ctx, id)
}

// SyncOfflineQueue runs one reconciliation pass with the configured
// resolver.
func (s *Service) SyncOfflineQueue(ctx context.Context) (synckit.SyncResult, error) {
	ctx = logging.ContextWithDeviceID(ctx, s.device.DeviceID(ctx))
	return s.reconciler.Sync(ctx)
}

// SaveConflict records a conflict for manual resolution.
func (s *Service) SaveConflict(ctx context.Context, c synckit.Conflict) error {
	return s.conflicts.Save(ctx, c)
}

// Conflicts returns the unresolved conflicts.
func (s *Service) Conflicts(ctx context.Context) ([]synckit.Conflict, error) {
	return s.conflicts.Pending(ctx)
}

// ConflictHistory returns every recorded conflict, resolved ones included.
func (s *Service) ConflictHistory(ctx context.Context) ([]synckit.Conflict, error) {
	return s.conflicts.All(ctx)
}

// ResolveConflict settles the newest unresolved conflict for key, an entity
// id or queued change id. merged replaces the computed shallow merge when
// res is ResolveMerge; pass nil to use the computed one.
func (s *Service) ResolveConflict(ctx context.Context, key string, res synckit.Resolution, merged synckit.Row) error {
	return s.reconciler.Resolve(ctx, key, res, merged)
}

// IsOnline reports whether the remote store is reachable.
func (s *Service) IsOnline(ctx context.Context) bool {
	return s.connectivity.Online(ctx)
}

// DeviceID returns this installation's identifier.
func (s *Service) DeviceID(ctx context.Context) string {
	return s.device.DeviceID(ctx)
}
