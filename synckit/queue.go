package synckit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/relsync/errors"
	"github.com/c0deZ3R0/relsync/logging"
)

// QueueKey is the LocalStorage key holding the serialized queue.
const QueueKey = "relationship_offline_queue"

const queueComponent = syncErrors.Component("synckit/queue")

// Queue is the change recorder and persistent local queue. Entries are
// only ever appended and removed, never reordered.
type Queue struct {
	storage LocalStorage
	device  *DeviceIdentity
	logger  *slog.Logger
	now     func() time.Time

	// serializes read-modify-write cycles on the stored queue
	mu sync.Mutex
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueClock overrides the clock used for EnqueuedAt and change IDs.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// WithQueueLogger sets the queue logger.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// NewQueue creates a queue persisted in storage. Changes are attributed to
// the identifier returned by device; a nil device uses one backed by the
// same storage.
func NewQueue(storage LocalStorage, device *DeviceIdentity, opts ...QueueOption) *Queue {
	q := &Queue{
		storage: storage,
		device:  device,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = logging.WithComponent("queue").Logger
	}
	if q.device == nil {
		q.device = NewDeviceIdentity(storage, q.logger)
	}
	return q
}

// Enqueue appends a fully formed QueuedChange and returns it. Unlike Record
// it reports validation and storage failures to the caller.
func (q *Queue) Enqueue(ctx context.Context, req ChangeRequest) (QueuedChange, error) {
	if !req.Type.Valid() {
		return QueuedChange{}, syncErrors.NewValidationError(syncErrors.OpEnqueue,
			fmt.Errorf("unknown change type %q", req.Type))
	}
	if req.EntityID == "" && req.Type != ChangeCreate {
		return QueuedChange{}, syncErrors.NewValidationError(syncErrors.OpEnqueue,
			fmt.Errorf("%s change requires an entity id", req.Type))
	}

	payload := make(map[string]any, len(req.Payload))
	for k, v := range req.Payload {
		payload[k] = v
	}

	now := q.now()
	change := QueuedChange{
		ID:         newID(now),
		Type:       req.Type,
		EntityID:   req.EntityID,
		Payload:    payload,
		EnqueuedAt: now.UnixMilli(),
		DeviceID:   q.device.DeviceID(ctx),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	changes, err := q.load(ctx)
	if err != nil {
		return QueuedChange{}, err
	}
	changes = append(changes, change)
	if err := q.save(ctx, changes); err != nil {
		return QueuedChange{}, err
	}

	ctx = logging.ContextWithDeviceID(ctx, change.DeviceID)
	(&logging.Logger{Logger: q.logger}).WithContext(ctx).DebugContext(ctx, "change queued",
		"change_id", change.ID,
		"type", change.Type,
		"entity_id", change.EntityID,
		"queue_length", len(changes))
	return change, nil
}

// Record is the fire-and-forget form of Enqueue: failures are logged and
// the change is dropped.
func (q *Queue) Record(ctx context.Context, req ChangeRequest) {
	if _, err := q.Enqueue(ctx, req); err != nil {
		(&logging.Logger{Logger: q.logger}).LogError(ctx, err, "failed to queue change",
			slog.String("type", string(req.Type)),
			slog.String("entity_id", req.EntityID))
	}
}

// List returns a snapshot of the queue in enqueue order.
func (q *Queue) List(ctx context.Context) ([]QueuedChange, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Remove deletes the entry with the given id. Removing an unknown id is
// not an error.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	changes, err := q.load(ctx)
	if err != nil {
		return err
	}
	kept := changes[:0]
	for _, c := range changes {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	if len(kept) == len(changes) {
		return nil
	}
	return q.save(ctx, kept)
}

// Clear drops every queued change, e.g. on logout or account switch.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.storage.Remove(ctx, QueueKey); err != nil {
		return syncErrors.WrapStorage(err, syncErrors.OpDequeue, string(queueComponent))
	}
	q.logger.InfoContext(ctx, "offline queue cleared")
	return nil
}

func (q *Queue) load(ctx context.Context) ([]QueuedChange, error) {
	raw, ok, err := q.storage.Get(ctx, QueueKey)
	if err != nil {
		return nil, syncErrors.WrapStorage(err, syncErrors.OpLoad, string(queueComponent))
	}
	if !ok || raw == "" {
		return []QueuedChange{}, nil
	}
	var changes []QueuedChange
	if err := json.Unmarshal([]byte(raw), &changes); err != nil {
		return nil, syncErrors.E(syncErrors.OpLoad, queueComponent, syncErrors.KindCorrupt,
			syncErrors.ErrCodeStorageFailure, err, "decode queue")
	}
	return changes, nil
}

func (q *Queue) save(ctx context.Context, changes []QueuedChange) error {
	raw, err := json.Marshal(changes)
	if err != nil {
		return syncErrors.E(syncErrors.OpStore, queueComponent, syncErrors.KindInvalid, err, "encode queue")
	}
	if err := q.storage.Set(ctx, QueueKey, string(raw)); err != nil {
		return syncErrors.WrapStorage(err, syncErrors.OpStore, string(queueComponent))
	}
	return nil
}
