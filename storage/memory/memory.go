// Package memory provides in-memory implementations of the synckit storage
// contracts: a LocalStorage for ephemeral sessions and tests, and a
// RemoteStore that assigns updated_at like the real backend does.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/c0deZ3R0/relsync/errors"
	"github.com/c0deZ3R0/relsync/synckit"
)

var (
	_ synckit.LocalStorage = (*KV)(nil)
	_ synckit.RemoteStore  = (*RemoteStore)(nil)
)

// KV is a goroutine-safe in-memory LocalStorage.
type KV struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewKV returns an empty KV.
func NewKV() *KV {
	return &KV{values: make(map[string]string)}
}

func (k *KV) Get(_ context.Context, key string) (string, bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.values[key]
	return v, ok, nil
}

func (k *KV) Set(_ context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.values[key] = value
	return nil
}

func (k *KV) Remove(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.values, key)
	return nil
}

// Write records one mutation applied to a RemoteStore.
type Write struct {
	Op     string // "insert" or "update"
	Table  string
	ID     string
	Fields synckit.Row
}

// RemoteStore is an in-memory stand-in for the shared relational store.
type RemoteStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]synckit.Row
	writes []Write
	now    func() time.Time
}

// RemoteOption configures a RemoteStore.
type RemoteOption func(*RemoteStore)

// WithClock sets the clock used to stamp updated_at.
func WithClock(now func() time.Time) RemoteOption {
	return func(r *RemoteStore) { r.now = now }
}

// NewRemoteStore returns an empty RemoteStore.
func NewRemoteStore(opts ...RemoteOption) *RemoteStore {
	r := &RemoteStore{
		tables: make(map[string]map[string]synckit.Row),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Seed stores row verbatim, updated_at included, without recording a write.
func (r *RemoteStore) Seed(table string, row synckit.Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := fmt.Sprint(row[synckit.IDField])
	r.table(table)[id] = row.Clone()
}

// Row returns a copy of the stored row.
func (r *RemoteStore) Row(table, id string) (synckit.Row, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.tables[table][id]
	return row.Clone(), ok
}

// Writes returns the mutations applied so far, in order.
func (r *RemoteStore) Writes() []Write {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Write, len(r.writes))
	copy(out, r.writes)
	return out
}

// IDs returns the sorted primary keys stored in table.
func (r *RemoteStore) IDs(table string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tables[table]))
	for id := range r.tables[table] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *RemoteStore) Fetch(ctx context.Context, table, id string) (synckit.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.tables[table][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", table, id, synckit.ErrNotFound)
	}
	return row.Clone(), nil
}

// Insert stores row, generating an id when absent. Inserting an existing id
// fails like a unique-key violation would.
func (r *RemoteStore) Insert(ctx context.Context, table string, row synckit.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := row.Clone()
	if stored == nil {
		stored = synckit.Row{}
	}
	id, _ := stored[synckit.IDField].(string)
	if id == "" {
		id = uuid.NewString()
		stored[synckit.IDField] = id
	}
	t := r.table(table)
	if _, exists := t[id]; exists {
		return syncErrors.E(syncErrors.Op("memory.Insert"), syncErrors.Component("storage/memory"),
			syncErrors.KindInvalid, fmt.Sprintf("%s/%s already exists", table, id))
	}
	stored[synckit.UpdatedAtField] = r.now().UTC()
	t[id] = stored
	r.writes = append(r.writes, Write{Op: "insert", Table: table, ID: id, Fields: row.Clone()})
	return nil
}

// Update merges fields into the stored row and stamps updated_at.
func (r *RemoteStore) Update(ctx context.Context, table, id string, fields synckit.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.tables[table][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", table, id, synckit.ErrNotFound)
	}
	for k, v := range fields {
		if k == synckit.IDField {
			continue
		}
		row[k] = v
	}
	row[synckit.UpdatedAtField] = r.now().UTC()
	r.writes = append(r.writes, Write{Op: "update", Table: table, ID: id, Fields: fields.Clone()})
	return nil
}

func (r *RemoteStore) table(name string) map[string]synckit.Row {
	t, ok := r.tables[name]
	if !ok {
		t = make(map[string]synckit.Row)
		r.tables[name] = t
	}
	return t
}
