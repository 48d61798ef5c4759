package synckit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/relsync/errors"
	"github.com/c0deZ3R0/relsync/logging"
)

// ConflictsKey is the LocalStorage key holding the serialized conflict list.
const ConflictsKey = "relationship_conflicts"

const conflictComponent = syncErrors.Component("synckit/conflicts")

// ErrConflictNotFound is returned when no unresolved conflict matches a key.
var ErrConflictNotFound = errors.New("no unresolved conflict found")

// ConflictStore durably records conflicts awaiting manual resolution.
// Records are never deleted; resolving only flips the Resolved flag.
type ConflictStore struct {
	storage LocalStorage
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewConflictStore creates a conflict store persisted in storage.
func NewConflictStore(storage LocalStorage, logger *slog.Logger) *ConflictStore {
	if logger == nil {
		logger = logging.WithComponent("conflict-store").Logger
	}
	return &ConflictStore{storage: storage, logger: logger}
}

// Save appends c. If an unresolved conflict for the same queued change is
// already recorded, it is refreshed in place with the newer server state
// instead of being duplicated on every sync pass.
func (s *ConflictStore) Save(ctx context.Context, c Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load(ctx)
	if err != nil {
		return err
	}

	replaced := false
	for i := range all {
		if !all[i].Resolved && c.LocalChange.ID != "" && all[i].LocalChange.ID == c.LocalChange.ID {
			all[i].ServerState = c.ServerState
			all[i].DetectedAt = c.DetectedAt
			replaced = true
			break
		}
	}
	if !replaced {
		all = append(all, c)
	}

	if err := s.save(ctx, all); err != nil {
		return err
	}
	s.logger.DebugContext(ctx, "conflict recorded",
		"entity_id", c.EntityID,
		"change_id", c.LocalChange.ID,
		"refreshed", replaced)
	return nil
}

// Pending returns unresolved conflicts in detection order.
func (s *ConflictStore) Pending(ctx context.Context) ([]Conflict, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	pending := make([]Conflict, 0, len(all))
	for _, c := range all {
		if !c.Resolved {
			pending = append(pending, c)
		}
	}
	return pending, nil
}

// All returns every recorded conflict, resolved ones included.
func (s *ConflictStore) All(ctx context.Context) ([]Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Find returns the most recent unresolved conflict for entity id key,
// falling back to matching key against the originating change id.
func (s *ConflictStore) Find(ctx context.Context, key string) (Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load(ctx)
	if err != nil {
		return Conflict{}, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if !all[i].Resolved && all[i].EntityID == key {
			return all[i], nil
		}
	}
	for i := len(all) - 1; i >= 0; i-- {
		if !all[i].Resolved && all[i].LocalChange.ID == key {
			return all[i], nil
		}
	}
	return Conflict{}, syncErrors.E(syncErrors.OpConflictResolve, conflictComponent,
		syncErrors.KindNotFound, ErrConflictNotFound, key)
}

// MarkResolved flags the unresolved conflict raised by changeID as resolved.
func (s *ConflictStore) MarkResolved(ctx context.Context, changeID string, res Resolution, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load(ctx)
	if err != nil {
		return err
	}
	for i := range all {
		if !all[i].Resolved && all[i].LocalChange.ID == changeID {
			all[i].Resolved = true
			all[i].Resolution = res
			all[i].ResolvedAt = at.UnixMilli()
			return s.save(ctx, all)
		}
	}
	return syncErrors.E(syncErrors.OpConflictResolve, conflictComponent,
		syncErrors.KindNotFound, ErrConflictNotFound, changeID)
}

func (s *ConflictStore) load(ctx context.Context) ([]Conflict, error) {
	raw, ok, err := s.storage.Get(ctx, ConflictsKey)
	if err != nil {
		return nil, syncErrors.WrapStorage(err, syncErrors.OpLoad, string(conflictComponent))
	}
	if !ok || raw == "" {
		return []Conflict{}, nil
	}
	var all []Conflict
	if err := json.Unmarshal([]byte(raw), &all); err != nil {
		return nil, syncErrors.E(syncErrors.OpLoad, conflictComponent, syncErrors.KindCorrupt,
			syncErrors.ErrCodeStorageFailure, err, "decode conflicts")
	}
	return all, nil
}

func (s *ConflictStore) save(ctx context.Context, all []Conflict) error {
	raw, err := json.Marshal(all)
	if err != nil {
		return syncErrors.E(syncErrors.OpStore, conflictComponent, syncErrors.KindInvalid, err, "encode conflicts")
	}
	if err := s.storage.Set(ctx, ConflictsKey, string(raw)); err != nil {
		return syncErrors.WrapStorage(err, syncErrors.OpStore, string(conflictComponent))
	}
	return nil
}
