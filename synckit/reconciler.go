package synckit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	syncErrors "github.com/c0deZ3R0/relsync/errors"
	"github.com/c0deZ3R0/relsync/logging"
)

const reconcilerComponent = syncErrors.Component("synckit/reconciler")

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeConflict
	outcomeError
)

// Reconciler drains the queue against the remote store. Entries are applied
// strictly in enqueue order, one at a time. Conflicts are detected by
// comparing the server row's updated_at with the change's EnqueuedAt and
// are handed to the configured ConflictResolver.
type Reconciler struct {
	queue     *Queue
	conflicts *ConflictStore
	remote    RemoteStore

	resolver ConflictResolver
	tables   Tables
	now      func() time.Time
	logger   *slog.Logger
	metrics  MetricsCollector

	// passes admits one reconciliation pass at a time.
	passes *semaphore.Weighted
}

// NewReconciler wires a reconciler over the given queue, conflict store and
// remote store.
func NewReconciler(queue *Queue, conflicts *ConflictStore, remote RemoteStore, opts ...Option) *Reconciler {
	rc := &Reconciler{
		queue:     queue,
		conflicts: conflicts,
		remote:    remote,
		tables:    DefaultTables(),
		now:       time.Now,
		metrics:   NoOpMetricsCollector{},
		passes:    semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(rc)
	}
	if rc.logger == nil {
		rc.logger = logging.WithComponent("reconciler").Logger
	}
	return rc
}

// Sync runs one reconciliation pass. Passes never overlap: a call made
// while another pass is running waits for it to finish and then runs its
// own pass under its own ctx. The error is non-nil only when the queue
// itself could not be read or ctx ended while waiting; per-entry failures
// are reported through the counters and leave the entry queued.
//
// Sync applies no deadline of its own; callers wanting one pass a context
// with a timeout. A cancelled context stops the pass before the next entry.
func (rc *Reconciler) Sync(ctx context.Context) (SyncResult, error) {
	if err := rc.passes.Acquire(ctx, 1); err != nil {
		return SyncResult{}, err
	}
	defer rc.passes.Release(1)

	var res SyncResult
	logger := (&logging.Logger{Logger: rc.logger}).WithContext(ctx)
	err := logger.LogOperation(ctx, logging.Operation(syncErrors.OpSync), func() error {
		var err error
		res, err = rc.syncOnce(ctx)
		return err
	})
	return res, err
}

func (rc *Reconciler) syncOnce(ctx context.Context) (SyncResult, error) {
	start := rc.now()
	var result SyncResult

	changes, err := rc.queue.List(ctx)
	if err != nil {
		return result, err
	}
	if len(changes) == 0 {
		rc.logger.DebugContext(ctx, "offline queue empty")
		return result, nil
	}

	rc.logger.InfoContext(ctx, "starting sync pass", "queued", len(changes))
	for i, change := range changes {
		if ctx.Err() != nil {
			rc.logger.WarnContext(ctx, "sync pass canceled",
				"processed", i,
				"remaining", len(changes)-i,
				"error", ctx.Err())
			break
		}

		switch rc.apply(ctx, change) {
		case outcomeSynced:
			result.Synced++
			if err := rc.queue.Remove(ctx, change.ID); err != nil {
				// The remote write landed; the entry will be replayed next pass.
				rc.logger.ErrorContext(ctx, "failed to dequeue synced change",
					"change_id", change.ID,
					"error", err)
			}
		case outcomeConflict:
			result.Conflicts++
		case outcomeError:
			result.Errors++
		}
	}

	result.Duration = rc.now().Sub(start)
	rc.metrics.RecordSyncDuration(result.Duration)
	rc.metrics.RecordSyncResult(result)
	rc.logger.InfoContext(ctx, "sync pass finished",
		"synced", result.Synced,
		"conflicts", result.Conflicts,
		"errors", result.Errors,
		"duration", result.Duration)
	return result, nil
}

func (rc *Reconciler) apply(ctx context.Context, change QueuedChange) outcome {
	switch change.Type {
	case ChangeCreate:
		return rc.applyCreate(ctx, change)
	case ChangeUpdate:
		return rc.applyUpdate(ctx, change)
	case ChangeDelete, ChangeEnd:
		return rc.applyEnd(ctx, change)
	case ChangeAccept, ChangeReject:
		return rc.applyRequestStatus(ctx, change)
	default:
		rc.logger.ErrorContext(ctx, "queued change has unknown type",
			"change_id", change.ID,
			"type", change.Type)
		return outcomeError
	}
}

// applyCreate inserts the payload unless a client-assigned id already
// exists on the server, which is a create/create conflict.
func (rc *Reconciler) applyCreate(ctx context.Context, change QueuedChange) outcome {
	table := rc.tables.Relationships
	if change.EntityID != "" {
		row, err := rc.remote.Fetch(ctx, table, change.EntityID)
		switch {
		case err == nil:
			return rc.handleConflict(ctx, change, row)
		case !errors.Is(err, ErrNotFound):
			return rc.remoteFailure(ctx, change, "fetch", err)
		}
	}

	row := Row(change.Payload).Clone()
	if row == nil {
		row = Row{}
	}
	if change.EntityID != "" {
		row[IDField] = change.EntityID
	}
	if err := rc.remote.Insert(ctx, table, row); err != nil {
		return rc.remoteFailure(ctx, change, "insert", err)
	}
	return outcomeSynced
}

// applyUpdate writes the payload unless the server row changed after the
// change was queued.
func (rc *Reconciler) applyUpdate(ctx context.Context, change QueuedChange) outcome {
	table := rc.tables.Relationships
	row, err := rc.remote.Fetch(ctx, table, change.EntityID)
	if err != nil {
		return rc.remoteFailure(ctx, change, "fetch", err)
	}

	if serverNewer(row, change) {
		return rc.handleConflict(ctx, change, row)
	}
	if err := rc.remote.Update(ctx, table, change.EntityID, Row(change.Payload)); err != nil {
		return rc.remoteFailure(ctx, change, "update", err)
	}
	return outcomeSynced
}

// applyEnd marks the relationship ended. A row that is already gone counts
// as synced; delete and end never conflict.
func (rc *Reconciler) applyEnd(ctx context.Context, change QueuedChange) outcome {
	table := rc.tables.Relationships
	if _, err := rc.remote.Fetch(ctx, table, change.EntityID); err != nil {
		if errors.Is(err, ErrNotFound) {
			rc.logger.DebugContext(ctx, "entity already gone, nothing to end",
				"change_id", change.ID,
				"entity_id", change.EntityID)
			return outcomeSynced
		}
		return rc.remoteFailure(ctx, change, "fetch", err)
	}

	fields := Row(change.Payload).Clone()
	if fields == nil {
		fields = Row{}
	}
	fields[StatusField] = StatusEnded
	if change.Type == ChangeEnd {
		fields[EndedAtField] = rc.now().UTC().Format(time.RFC3339Nano)
	}
	if err := rc.remote.Update(ctx, table, change.EntityID, fields); err != nil {
		return rc.remoteFailure(ctx, change, "update", err)
	}
	return outcomeSynced
}

// applyRequestStatus overwrites the request status unconditionally; repeat
// accepts or rejects write the same value again.
func (rc *Reconciler) applyRequestStatus(ctx context.Context, change QueuedChange) outcome {
	fields := Row(change.Payload).Clone()
	if fields == nil {
		fields = Row{}
	}
	if change.Type == ChangeAccept {
		fields[StatusField] = StatusAccepted
	} else {
		fields[StatusField] = StatusRejected
	}
	if err := rc.remote.Update(ctx, rc.tables.Requests, change.EntityID, fields); err != nil {
		return rc.remoteFailure(ctx, change, "update", err)
	}
	return outcomeSynced
}

// serverNewer reports whether the row was modified strictly after the
// change was queued. Rows without a readable updated_at are never newer.
func serverNewer(row Row, change QueuedChange) bool {
	ts, ok := row.UpdatedAt()
	if !ok {
		return false
	}
	return ts.UnixMilli() > change.EnqueuedAt
}

func (rc *Reconciler) handleConflict(ctx context.Context, change QueuedChange, server Row) outcome {
	conflict := Conflict{
		EntityID:    change.EntityID,
		LocalChange: change,
		ServerState: server,
		DetectedAt:  rc.now().UnixMilli(),
	}
	rc.metrics.RecordConflict(change.Type)
	rc.logger.InfoContext(ctx, "conflict detected",
		"change_id", change.ID,
		"type", change.Type,
		"entity_id", change.EntityID)

	if rc.resolver == nil {
		rc.park(ctx, conflict)
		return outcomeConflict
	}

	resolution, err := rc.resolver.Resolve(ctx, conflict)
	if err != nil {
		if ctx.Err() != nil {
			rc.logger.WarnContext(ctx, "conflict resolution canceled",
				"change_id", change.ID,
				"error", err)
			return outcomeError
		}
		rc.logger.InfoContext(ctx, "resolver declined conflict",
			"change_id", change.ID,
			"error", syncErrors.NewConflictError(syncErrors.OpConflictResolve, err))
		rc.park(ctx, conflict)
		return outcomeConflict
	}

	if !resolution.Valid() {
		rc.logger.WarnContext(ctx, "resolver returned unknown resolution",
			"change_id", change.ID,
			"resolution", resolution)
		rc.park(ctx, conflict)
		return outcomeConflict
	}
	if err := rc.applyResolution(ctx, conflict, resolution, nil); err != nil {
		return rc.remoteFailure(ctx, change, "resolve", err)
	}
	rc.logger.InfoContext(ctx, "conflict resolved",
		"change_id", change.ID,
		"resolution", resolution)
	return outcomeSynced
}

// park records an unresolved conflict. The entry stays queued either way.
func (rc *Reconciler) park(ctx context.Context, conflict Conflict) {
	if err := rc.conflicts.Save(ctx, conflict); err != nil {
		(&logging.Logger{Logger: rc.logger}).LogError(ctx, err, "failed to record conflict",
			slog.String("change_id", conflict.LocalChange.ID),
			slog.String("entity_id", conflict.EntityID))
	}
}

// applyResolution performs the remote write a resolution implies. merged,
// when non-nil, replaces the computed shallow merge.
func (rc *Reconciler) applyResolution(ctx context.Context, c Conflict, res Resolution, merged Row) error {
	const op = syncErrors.OpConflictResolve
	if !res.Valid() {
		return syncErrors.NewConflictError(op, fmt.Errorf("unknown resolution %q", res))
	}

	change := c.LocalChange
	table := rc.tables.Relationships
	mergedRow := func() Row {
		if merged != nil {
			return merged
		}
		return MergeRows(c.ServerState, change.Payload)
	}

	var err error
	switch change.Type {
	case ChangeCreate:
		// The entity exists either way; re-creating it would break
		// uniqueness, so local is a no-op rather than an overwrite.
		if res == ResolveMerge {
			err = rc.remote.Update(ctx, table, change.EntityID, mergedRow())
		}
	case ChangeUpdate:
		switch res {
		case ResolveLocal:
			err = rc.remote.Update(ctx, table, change.EntityID, Row(change.Payload))
		case ResolveMerge:
			err = rc.remote.Update(ctx, table, change.EntityID, mergedRow())
		}
	default:
		return syncErrors.NewConflictError(op, fmt.Errorf("%s changes do not conflict", change.Type))
	}
	if err != nil {
		return syncErrors.WrapNetwork(err, op, string(reconcilerComponent))
	}
	return nil
}

// Resolve settles a recorded conflict by hand. key is an entity id or, as a
// fallback, the id of the queued change that raised the conflict. The
// remote write happens first; the change is then removed from the queue so
// the next pass does not raise it again, and the conflict is flagged
// resolved.
func (rc *Reconciler) Resolve(ctx context.Context, key string, res Resolution, merged Row) error {
	c, err := rc.conflicts.Find(ctx, key)
	if err != nil {
		return err
	}
	if err := rc.applyResolution(ctx, c, res, merged); err != nil {
		return err
	}
	if err := rc.queue.Remove(ctx, c.LocalChange.ID); err != nil {
		// The remote write landed; leave the conflict pending so a retry
		// can finish the bookkeeping.
		return err
	}
	if err := rc.conflicts.MarkResolved(ctx, c.LocalChange.ID, res, rc.now()); err != nil {
		return err
	}
	rc.logger.InfoContext(ctx, "conflict resolved manually",
		"entity_id", c.EntityID,
		"change_id", c.LocalChange.ID,
		"resolution", res)
	return nil
}

func (rc *Reconciler) remoteFailure(ctx context.Context, change QueuedChange, op string, err error) outcome {
	rc.metrics.RecordRemoteError(op)
	rc.logger.ErrorContext(ctx, "remote call failed, change stays queued",
		"change_id", change.ID,
		"type", change.Type,
		"entity_id", change.EntityID,
		"remote_op", op,
		"error", err)
	return outcomeError
}
