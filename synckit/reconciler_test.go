package synckit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/relsync/logging"
	"github.com/c0deZ3R0/relsync/storage/memory"
	"github.com/c0deZ3R0/relsync/synckit"
)

var t0 = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

type harness struct {
	kv        *memory.KV
	remote    *memory.RemoteStore
	device    *synckit.DeviceIdentity
	queue     *synckit.Queue
	conflicts *synckit.ConflictStore
	clock     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		kv:    memory.NewKV(),
		clock: t0,
	}
	h.remote = memory.NewRemoteStore(memory.WithClock(func() time.Time { return h.clock.Add(time.Hour) }))
	h.device = synckit.NewDeviceIdentity(h.kv, logging.Discard())
	h.queue = synckit.NewQueue(h.kv, h.device,
		synckit.WithQueueClock(func() time.Time { return h.clock }),
		synckit.WithQueueLogger(logging.Discard()))
	h.conflicts = synckit.NewConflictStore(h.kv, logging.Discard())
	return h
}

func (h *harness) reconciler(opts ...synckit.Option) *synckit.Reconciler {
	return h.reconcilerWith(h.remote, opts...)
}

func (h *harness) reconcilerWith(remote synckit.RemoteStore, opts ...synckit.Option) *synckit.Reconciler {
	base := []synckit.Option{
		synckit.WithLogger(logging.Discard()),
		synckit.WithClock(func() time.Time { return h.clock }),
	}
	return synckit.NewReconciler(h.queue, h.conflicts, remote, append(base, opts...)...)
}

func (h *harness) enqueue(t *testing.T, typ synckit.ChangeType, id string, payload map[string]any) synckit.QueuedChange {
	t.Helper()
	c, err := h.queue.Enqueue(context.Background(), synckit.ChangeRequest{Type: typ, EntityID: id, Payload: payload})
	require.NoError(t, err)
	return c
}

func (h *harness) seedRelationship(id string, updatedAt time.Time, fields map[string]any) {
	row := synckit.Row{synckit.IDField: id, synckit.UpdatedAtField: updatedAt}
	for k, v := range fields {
		row[k] = v
	}
	h.remote.Seed("relationships", row)
}

func (h *harness) queued(t *testing.T) []synckit.QueuedChange {
	t.Helper()
	q, err := h.queue.List(context.Background())
	require.NoError(t, err)
	return q
}

func TestSync_UpdateWithOlderServerRowApplies(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, synckit.ChangeUpdate, "R1", map[string]any{"status": "active"})
	h.seedRelationship("R1", t0.Add(-time.Second), map[string]any{"status": "pending"})

	res, err := h.reconciler().Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 0, res.Conflicts)
	assert.Equal(t, 0, res.Errors)
	assert.Empty(t, h.queued(t))
	row, _ := h.remote.Row("relationships", "R1")
	assert.Equal(t, "active", row["status"])
}

func TestSync_UpdateWithNewerServerRowAndNoResolverConflicts(t *testing.T) {
	h := newHarness(t)
	change := h.enqueue(t, synckit.ChangeUpdate, "R1", map[string]any{"status": "active"})
	h.seedRelationship("R1", t0.Add(time.Second), map[string]any{"status": "paused"})

	res, err := h.reconciler().Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, synckit.SyncResult{Conflicts: 1}, res)
	require.Len(t, h.queued(t), 1)
	assert.Equal(t, change.ID, h.queued(t)[0].ID)
	assert.Empty(t, h.remote.Writes(), "no remote write on unresolved conflict")

	pending, err := h.conflicts.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "R1", pending[0].EntityID)
	assert.Equal(t, change.ID, pending[0].LocalChange.ID)
	assert.Equal(t, "paused", pending[0].ServerState["status"])
	assert.False(t, pending[0].Resolved)
}

func TestSync_UpdateConflictResolvedByServer(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, synckit.ChangeUpdate, "R1", map[string]any{"status": "active"})
	h.seedRelationship("R1", t0.Add(time.Second), map[string]any{"status": "paused"})

	res, err := h.reconciler(synckit.WithConflictResolver(synckit.KeepServer)).Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, synckit.SyncResult{Synced: 1}, res)
	assert.Empty(t, h.queued(t))
	assert.Empty(t, h.remote.Writes())
	row, _ := h.remote.Row("relationships", "R1")
	assert.Equal(t, "paused", row["status"])
}

func TestSync_UpdateConflictResolvedByLocal(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, synckit.ChangeUpdate, "R1", map[string]any{"status": "active"})
	h.seedRelationship("R1", t0.Add(time.Second), map[string]any{"status": "paused", "note": "x"})

	res, err := h.reconciler(synckit.WithConflictResolver(synckit.KeepLocal)).Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, synckit.SyncResult{Synced: 1}, res)
	writes := h.remote.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, synckit.Row{"status": "active"}, writes[0].Fields)
}

func TestSync_UpdateConflictMergeOverlaysPayload(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, synckit.ChangeUpdate, "R1", map[string]any{"status": "active", "nickname": "bee"})
	h.seedRelationship("R1", t0.Add(time.Second), map[string]any{"status": "paused", "anniversary": "2020-02-02"})

	var seen synckit.Conflict
	resolver := synckit.ResolverFunc(func(_ context.Context, c synckit.Conflict) (synckit.Resolution, error) {
		seen = c
		return synckit.ResolveMerge, nil
	})
	res, err := h.reconciler(synckit.WithConflictResolver(resolver)).Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, synckit.SyncResult{Synced: 1}, res)
	assert.Equal(t, "R1", seen.EntityID)

	writes := h.remote.Writes()
	require.Len(t, writes, 1)
	written := writes[0].Fields
	assert.Equal(t, "active", written["status"], "local field wins on collision")
	assert.Equal(t, "bee", written["nickname"])
	assert.Equal(t, "2020-02-02", written["anniversary"], "server-only field kept")
	assert.Equal(t, "R1", written["id"])
}

func TestSync_UpdateWithEqualTimestampApplies(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, synckit.ChangeUpdate, "R1", map[string]any{"status": "active"})
	h.seedRelationship("R1", t0, nil)

	res, err := h.reconciler().Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, synckit.SyncResult{Synced: 1}, res)
}

func TestSync_CreateOfExistingEntityConflicts(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, synckit.ChangeCreate, "R2", map[string]any{"status": "pending", "partner": "u2"})
	h.seedRelationship("R2", t0.Add(-time.Hour), map[string]any{"status": "active"})

	res, err := h.reconciler().Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, synckit.SyncResult{Conflicts: 1}, res)
	assert.Len(t, h.queued(t), 1)
	assert.Empty(t, h.remote.Writes())
}

func TestSync_CreateConflictLocalAndServerAreNoops(t *testing.T) {
	for _, res := range []synckit.Resolution{synckit.ResolveLocal, synckit.ResolveServer} {
		t.Run(string(res), func(t *testing.T) {
			h := newHarness(t)
			h.enqueue(t, synckit.ChangeCreate, "R2", map[string]any{"status": "pending"})
			h.seedRelationship("R2", t0.Add(-time.Hour), map[string]any{"status": "active"})

			out, err := h.reconciler(synckit.WithConflictResolver(synckit.Always(res))).Sync(context.Background())
			require.NoError(t, err)
			assert.Equal(t, synckit.SyncResult{Synced: 1}, out)
			assert.Empty(t, h.remote.Writes())
			assert.Empty(t, h.queued(t))
		})
	}
}

func TestSync_CreateInsertsWhenAbsent(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, synckit.ChangeCreate, "R3", map[string]any{"status": "pending"})
	h.enqueue(t, synckit.ChangeCreate, "", map[string]any{"status": "pending", "partner": "u9"})

	res, err := h.reconciler().Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, synckit.SyncResult{Synced: 2}, res)

	row, ok := h.remote.Row("relationships", "R3")
	require.True(t, ok)
	assert.Equal(t, "pending", row["status"])
	assert.Len(t, h.remote.IDs("relationships"), 2)
}

func TestSync_FIFOOrder(t *testing.T) {
	h := newHarness(t)
	h.seedRelationship("R1", t0.Add(-time.Hour), nil)
	h.seedRelationship("R2", t0.Add(-time.Hour), nil)
	h.remote.Seed("relationship_requests", synckit.Row{"id": "Q1"})

	h.enqueue(t, synckit.ChangeUpdate, "R1", map[string]any{"step": 1})
	h.enqueue(t, synckit.ChangeCreate, "R9", map[string]any{"step": 2})
	h.enqueue(t, synckit.ChangeAccept, "Q1", nil)
	h.enqueue(t, synckit.ChangeUpdate, "R2", map[string]any{"step": 4})
	h.enqueue(t, synckit.ChangeEnd, "R1", nil)

	res, err := h.reconciler().Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, synckit.SyncResult{Synced: 5}, res)
	assert.Empty(t, h.queued(t))

	writes := h.remote.Writes()
	require.Len(t, writes, 5)
	got := make([]string, len(writes))
	for i, w := range writes {
		got[i] = w.Op + ":" + w.Table + ":" + w.ID
	}
	assert.Equal(t, []string{
		"update:relationships:R1",
		"insert:relationships:R9",
		"update:relationship_requests:Q1",
		"update:relationships:R2",
		"update:relationships:R1",
	}, got)
}

func TestSync_DeleteAndEndAreIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seedRelationship("R1", t0.Add(time.Hour), map[string]any{"status": "active"})
	rc := h.reconciler()

	for pass := 0; pass < 2; pass++ {
		h.enqueue(t, synckit.ChangeEnd, "R1", map[string]any{"reason": "moved"})
		h.enqueue(t, synckit.ChangeDelete, "R1", nil)
		res, err := rc.Sync(context.Background())
		require.NoError(t, err)
		assert.Equal(t, synckit.SyncResult{Synced: 2}, res, "pass %d", pass)
	}

	row, _ := h.remote.Row("relationships", "R1")
	assert.Equal(t, synckit.StatusEnded, row["status"])
	assert.Equal(t, t0.UTC().Format(time.RFC3339Nano), row["ended_at"])
	assert.Equal(t, "moved", row["reason"])

	pending, err := h.conflicts.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSync_EndOfMissingEntityCountsAsSynced(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, synckit.ChangeEnd, "gone", nil)
	h.enqueue(t, synckit.ChangeDelete, "gone", nil)

	res, err := h.reconciler().Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, synckit.SyncResult{Synced: 2}, res)
	assert.Empty(t, h.remote.Writes())
	assert.Empty(t, h.queued(t))
}

func TestSync_AcceptRejectWriteRequestStatus(t *testing.T) {
	h := newHarness(t)
	h.remote.Seed("relationship_requests", synckit.Row{"id": "Q1", "status": "pending"})
	h.remote.Seed("relationship_requests", synckit.Row{"id": "Q2", "status": "pending"})

	h.enqueue(t, synckit.ChangeAccept, "Q1", nil)
	h.enqueue(t, synckit.ChangeAccept, "Q1", nil)
	h.enqueue(t, synckit.ChangeReject, "Q2", map[string]any{"message": "sorry"})

	res, err := h.reconciler().Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, synckit.SyncResult{Synced: 3}, res)

	q1, _ := h.remote.Row("relationship_requests", "Q1")
	q2, _ := h.remote.Row("relationship_requests", "Q2")
	assert.Equal(t, synckit.StatusAccepted, q1["status"])
	assert.Equal(t, synckit.StatusRejected, q2["status"])
	assert.Equal(t, "sorry", q2["message"])
}

func TestSync_CustomTables(t *testing.T) {
	h := newHarness(t)
	h.remote.Seed("couples", synckit.Row{"id": "C1", "updated_at": t0.Add(-time.Minute)})
	h.remote.Seed("invites", synckit.Row{"id": "I1"})
	h.enqueue(t, synckit.ChangeUpdate, "C1", map[string]any{"status": "active"})
	h.enqueue(t, synckit.ChangeReject, "I1", nil)

	rc := h.reconciler(synckit.WithTables(synckit.Tables{Relationships: "couples", Requests: "invites"}))
	res, err := rc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, synckit.SyncResult{Synced: 2}, res)
}

// flakyRemote fails every call for the listed entity ids.
type flakyRemote struct {
	*memory.RemoteStore
	failFor map[string]bool
}

var errUnreachable = errors.New("backend unreachable")

func (f *flakyRemote) Fetch(ctx context.Context, table, id string) (synckit.Row, error) {
	if f.failFor[id] {
		return nil, errUnreachable
	}
	return f.RemoteStore.Fetch(ctx, table, id)
}

func (f *flakyRemote) Update(ctx context.Context, table, id string, fields synckit.Row) error {
	if f.failFor[id] {
		return errUnreachable
	}
	return f.RemoteStore.Update(ctx, table, id, fields)
}

func TestSync_RemoteErrorLeavesEntryAndContinues(t *testing.T) {
	h := newHarness(t)
	h.seedRelationship("R1", t0.Add(-time.Hour), nil)
	h.seedRelationship("R2", t0.Add(-time.Hour), nil)
	bad := h.enqueue(t, synckit.ChangeUpdate, "R1", map[string]any{"status": "active"})
	h.enqueue(t, synckit.ChangeUpdate, "R2", map[string]any{"status": "active"})
	h.remote.Seed("relationship_requests", synckit.Row{"id": "Q1"})
	h.enqueue(t, synckit.ChangeAccept, "Q1", nil)

	remote := &flakyRemote{RemoteStore: h.remote, failFor: map[string]bool{"R1": true}}
	rc := h.reconcilerWith(remote)

	res, err := rc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, synckit.SyncResult{Synced: 2, Errors: 1}, res)

	left := h.queued(t)
	require.Len(t, left, 1)
	assert.Equal(t, bad.ID, left[0].ID)

	remote.failFor = nil
	res, err = rc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, synckit.SyncResult{Synced: 1}, res)
	assert.Empty(t, h.queued(t))
}

func TestSync_UpdateOfMissingEntityIsError(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, synckit.ChangeUpdate, "nope", map[string]any{"status": "active"})

	res, err := h.reconciler().Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, synckit.SyncResult{Errors: 1}, res)
	assert.Len(t, h.queued(t), 1)
}

func TestSync_ResolverDeclineParksConflict(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, synckit.ChangeUpdate, "R1", map[string]any{"status": "active"})
	h.seedRelationship("R1", t0.Add(time.Second), nil)

	for _, resolver := range []synckit.ConflictResolver{
		synckit.ManualReviewResolver{},
		synckit.Always("bogus"),
	} {
		res, err := h.reconciler(synckit.WithConflictResolver(resolver)).Sync(context.Background())
		require.NoError(t, err)
		assert.Equal(t, synckit.SyncResult{Conflicts: 1}, res)
	}

	pending, err := h.conflicts.Pending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1, "repeated passes refresh the same conflict record")
	assert.Len(t, h.queued(t), 1)
}

func TestSync_ResolverSeesConflictBeforeNextEntry(t *testing.T) {
	h := newHarness(t)
	h.seedRelationship("R1", t0.Add(time.Second), nil)
	h.seedRelationship("R2", t0.Add(-time.Second), nil)
	h.enqueue(t, synckit.ChangeUpdate, "R1", map[string]any{"v": 1})
	h.enqueue(t, synckit.ChangeUpdate, "R2", map[string]any{"v": 2})

	resolver := synckit.ResolverFunc(func(context.Context, synckit.Conflict) (synckit.Resolution, error) {
		assert.Empty(t, h.remote.Writes(), "later entries must wait for the strategy")
		return synckit.ResolveLocal, nil
	})
	res, err := h.reconciler(synckit.WithConflictResolver(resolver)).Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, synckit.SyncResult{Synced: 2}, res)
	writes := h.remote.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, "R1", writes[0].ID)
	assert.Equal(t, "R2", writes[1].ID)
}

func TestSync_CanceledContextStopsPass(t *testing.T) {
	h := newHarness(t)
	h.seedRelationship("R1", t0.Add(time.Second), nil)
	h.seedRelationship("R2", t0.Add(-time.Second), nil)
	h.enqueue(t, synckit.ChangeUpdate, "R1", map[string]any{"v": 1})
	h.enqueue(t, synckit.ChangeUpdate, "R2", map[string]any{"v": 2})

	ctx, cancel := context.WithCancel(context.Background())
	resolver := synckit.ResolverFunc(func(ctx context.Context, _ synckit.Conflict) (synckit.Resolution, error) {
		cancel()
		return "", ctx.Err()
	})
	res, err := h.reconciler(synckit.WithConflictResolver(resolver)).Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, synckit.SyncResult{Errors: 1}, res)
	assert.Len(t, h.queued(t), 2)
	assert.Empty(t, h.remote.Writes())
}

// blockingRemote parks the first Fetch until released.
type blockingRemote struct {
	*memory.RemoteStore
	entered chan struct{}
	release chan struct{}
	fetches atomic.Int32
}

func (b *blockingRemote) Fetch(ctx context.Context, table, id string) (synckit.Row, error) {
	if b.fetches.Add(1) == 1 {
		close(b.entered)
		<-b.release
	}
	return b.RemoteStore.Fetch(ctx, table, id)
}

func newBlockingRemote(base *memory.RemoteStore) *blockingRemote {
	return &blockingRemote{RemoteStore: base, entered: make(chan struct{}), release: make(chan struct{})}
}

func TestSync_ConcurrentCallsRunOneAtATime(t *testing.T) {
	h := newHarness(t)
	h.seedRelationship("R1", t0.Add(-time.Second), nil)
	h.enqueue(t, synckit.ChangeUpdate, "R1", map[string]any{"status": "active"})

	remote := newBlockingRemote(h.remote)
	rc := h.reconcilerWith(remote)

	var wg sync.WaitGroup
	results := make([]synckit.SyncResult, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = rc.Sync(context.Background())
	}()
	<-remote.entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = rc.Sync(context.Background())
	}()
	time.Sleep(50 * time.Millisecond)
	close(remote.release)
	wg.Wait()

	assert.Equal(t, int32(1), remote.fetches.Load(), "the second pass starts after the first drained the queue")
	assert.Equal(t, synckit.SyncResult{Synced: 1}, results[0])
	assert.Equal(t, synckit.SyncResult{}, results[1])
}

func TestSync_WaitingCallerKeepsItsOwnContext(t *testing.T) {
	h := newHarness(t)
	h.seedRelationship("R1", t0.Add(-time.Second), nil)
	h.seedRelationship("R2", t0.Add(-time.Second), nil)
	h.enqueue(t, synckit.ChangeUpdate, "R1", map[string]any{"status": "active"})
	h.enqueue(t, synckit.ChangeUpdate, "R2", map[string]any{"status": "active"})

	remote := newBlockingRemote(h.remote)
	rc := h.reconcilerWith(remote)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()

	var (
		wg         sync.WaitGroup
		resA, resB synckit.SyncResult
		errA, errB error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		resA, errA = rc.Sync(ctxA)
	}()
	<-remote.entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		resB, errB = rc.Sync(context.Background())
	}()
	time.Sleep(50 * time.Millisecond)
	cancelA()
	close(remote.release)
	wg.Wait()

	require.NoError(t, errA)
	assert.Equal(t, synckit.SyncResult{Errors: 1}, resA)
	require.NoError(t, errB)
	assert.Equal(t, synckit.SyncResult{Synced: 2}, resB, "another caller's cancellation must not cut this pass short")
	assert.Empty(t, h.queued(t))
}

func TestSync_CanceledWhileWaitingForPass(t *testing.T) {
	h := newHarness(t)
	h.seedRelationship("R1", t0.Add(-time.Second), nil)
	h.enqueue(t, synckit.ChangeUpdate, "R1", map[string]any{"status": "active"})

	remote := newBlockingRemote(h.remote)
	rc := h.reconcilerWith(remote)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = rc.Sync(context.Background())
	}()
	<-remote.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := rc.Sync(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(remote.release)
	<-done
	assert.Empty(t, h.queued(t))
}

func TestSync_SecondUpdateConflictsWithFirstInSamePass(t *testing.T) {
	h := newHarness(t)
	h.seedRelationship("R1", t0.Add(-time.Second), map[string]any{"status": "paused"})
	h.enqueue(t, synckit.ChangeUpdate, "R1", map[string]any{"status": "active"})
	second := h.enqueue(t, synckit.ChangeUpdate, "R1", map[string]any{"nickname": "bee"})

	res, err := h.reconciler().Sync(context.Background())
	require.NoError(t, err)
	// The first write re-stamps updated_at with server time, which is after
	// the second change was queued.
	assert.Equal(t, synckit.SyncResult{Synced: 1, Conflicts: 1}, res)

	pending, err := h.conflicts.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].LocalChange.ID)
	assert.Equal(t, "active", pending[0].ServerState["status"])

	left := h.queued(t)
	require.Len(t, left, 1)
	assert.Equal(t, second.ID, left[0].ID)
}

type recordingMetrics struct {
	synckit.NoOpMetricsCollector
	results   []synckit.SyncResult
	conflicts []synckit.ChangeType
	remoteOps []string
}

func (m *recordingMetrics) RecordSyncResult(r synckit.SyncResult)  { m.results = append(m.results, r) }
func (m *recordingMetrics) RecordConflict(t synckit.ChangeType)    { m.conflicts = append(m.conflicts, t) }
func (m *recordingMetrics) RecordRemoteError(op string)            { m.remoteOps = append(m.remoteOps, op) }

func TestSync_Metrics(t *testing.T) {
	h := newHarness(t)
	h.seedRelationship("R1", t0.Add(time.Second), nil)
	h.enqueue(t, synckit.ChangeUpdate, "R1", nil)
	h.enqueue(t, synckit.ChangeUpdate, "missing", nil)

	m := &recordingMetrics{}
	_, err := h.reconciler(synckit.WithMetrics(m)).Sync(context.Background())
	require.NoError(t, err)

	require.Len(t, m.results, 1)
	assert.Equal(t, 1, m.results[0].Conflicts)
	assert.Equal(t, 1, m.results[0].Errors)
	assert.Equal(t, []synckit.ChangeType{synckit.ChangeUpdate}, m.conflicts)
	assert.Equal(t, []string{"fetch"}, m.remoteOps)
}

func TestSync_CorruptQueueIsReported(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.kv.Set(context.Background(), synckit.QueueKey, "{not json"))

	_, err := h.reconciler().Sync(context.Background())
	require.Error(t, err)
}

func TestResolve_ManualResolution(t *testing.T) {
	tests := []struct {
		name       string
		resolution synckit.Resolution
		merged     synckit.Row
		wantWrite  synckit.Row
	}{
		{name: "server", resolution: synckit.ResolveServer},
		{name: "local", resolution: synckit.ResolveLocal, wantWrite: synckit.Row{"status": "active"}},
		{
			name:       "merge computed",
			resolution: synckit.ResolveMerge,
			wantWrite: synckit.Row{
				"id": "R1", "status": "active", "note": "server",
				// server state round-trips through the JSON conflict store
				"updated_at": t0.Add(time.Second).Format(time.RFC3339Nano),
			},
		},
		{
			name:       "merge supplied",
			resolution: synckit.ResolveMerge,
			merged:     synckit.Row{"status": "custom"},
			wantWrite:  synckit.Row{"status": "custom"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			change := h.enqueue(t, synckit.ChangeUpdate, "R1", map[string]any{"status": "active"})
			h.seedRelationship("R1", t0.Add(time.Second), map[string]any{"status": "paused", "note": "server"})
			rc := h.reconciler()

			_, err := rc.Sync(context.Background())
			require.NoError(t, err)

			h.clock = t0.Add(time.Minute)
			require.NoError(t, rc.Resolve(context.Background(), "R1", tt.resolution, tt.merged))

			writes := h.remote.Writes()
			if tt.wantWrite == nil {
				assert.Empty(t, writes)
			} else {
				require.Len(t, writes, 1)
				assert.Equal(t, tt.wantWrite, writes[0].Fields)
			}

			assert.Empty(t, h.queued(t))
			pending, err := h.conflicts.Pending(context.Background())
			require.NoError(t, err)
			assert.Empty(t, pending)

			all, err := h.conflicts.All(context.Background())
			require.NoError(t, err)
			require.Len(t, all, 1, "resolved conflicts stay as history")
			assert.True(t, all[0].Resolved)
			assert.Equal(t, tt.resolution, all[0].Resolution)
			assert.Equal(t, change.ID, all[0].LocalChange.ID)
			assert.Equal(t, t0.Add(time.Minute).UnixMilli(), all[0].ResolvedAt)

			err = rc.Resolve(context.Background(), "R1", tt.resolution, nil)
			assert.ErrorIs(t, err, synckit.ErrConflictNotFound)
		})
	}
}

func TestResolve_ByChangeID(t *testing.T) {
	h := newHarness(t)
	change := h.enqueue(t, synckit.ChangeCreate, "R2", map[string]any{"status": "pending"})
	h.seedRelationship("R2", t0.Add(-time.Hour), map[string]any{"status": "active"})
	rc := h.reconciler()

	_, err := rc.Sync(context.Background())
	require.NoError(t, err)

	require.NoError(t, rc.Resolve(context.Background(), change.ID, synckit.ResolveMerge, nil))
	writes := h.remote.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "pending", writes[0].Fields["status"])
	assert.Empty(t, h.queued(t))
}

func TestResolve_RejectsUnknownResolution(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, synckit.ChangeUpdate, "R1", map[string]any{"status": "active"})
	h.seedRelationship("R1", t0.Add(time.Second), nil)
	rc := h.reconciler()
	_, err := rc.Sync(context.Background())
	require.NoError(t, err)

	require.Error(t, rc.Resolve(context.Background(), "R1", "whatever", nil))
	pending, err := h.conflicts.Pending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

// keyFailingKV fails writes to one key.
type keyFailingKV struct {
	*memory.KV
	failKey string
}

func (k *keyFailingKV) Set(ctx context.Context, key, value string) error {
	if key == k.failKey {
		return errDiskFull
	}
	return k.KV.Set(ctx, key, value)
}

func TestResolve_QueueWriteFailureKeepsConflictPending(t *testing.T) {
	ctx := context.Background()
	kv := &keyFailingKV{KV: memory.NewKV()}
	remote := memory.NewRemoteStore(memory.WithClock(func() time.Time { return t0.Add(time.Hour) }))
	remote.Seed("relationships", synckit.Row{"id": "R1", "updated_at": t0.Add(time.Second)})

	device := synckit.NewDeviceIdentity(kv, logging.Discard())
	queue := synckit.NewQueue(kv, device,
		synckit.WithQueueClock(func() time.Time { return t0 }),
		synckit.WithQueueLogger(logging.Discard()))
	conflicts := synckit.NewConflictStore(kv, logging.Discard())
	rc := synckit.NewReconciler(queue, conflicts, remote,
		synckit.WithLogger(logging.Discard()),
		synckit.WithClock(func() time.Time { return t0 }))

	_, err := queue.Enqueue(ctx, synckit.ChangeRequest{Type: synckit.ChangeUpdate, EntityID: "R1", Payload: map[string]any{"status": "active"}})
	require.NoError(t, err)
	res, err := rc.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Conflicts)

	kv.failKey = synckit.QueueKey
	require.Error(t, rc.Resolve(ctx, "R1", synckit.ResolveLocal, nil))

	pending, err := conflicts.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "conflict stays pending while its change is still queued")

	kv.failKey = ""
	require.NoError(t, rc.Resolve(ctx, "R1", synckit.ResolveLocal, nil))

	pending, err = conflicts.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	left, err := queue.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)

	res, err = rc.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, synckit.SyncResult{}, res)
}

func TestSync_LogsCarryDeviceAndOperation(t *testing.T) {
	h := newHarness(t)
	h.seedRelationship("R1", t0.Add(-time.Second), nil)
	h.enqueue(t, synckit.ChangeUpdate, "R1", map[string]any{"status": "active"})

	var buf bytes.Buffer
	logger := logging.NewLogger(logging.Config{Level: "debug", Format: "json", Output: &buf})
	rc := h.reconciler(synckit.WithLogger(logger.Logger))

	ctx := logging.ContextWithDeviceID(context.Background(), "dev-7")
	_, err := rc.Sync(ctx)
	require.NoError(t, err)

	var completed map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		if rec["msg"] == "operation completed" {
			completed = rec
		}
	}
	require.NotNil(t, completed, buf.String())
	assert.Equal(t, "sync", completed["operation"])
	assert.Equal(t, "dev-7", completed["device_id"])
}
