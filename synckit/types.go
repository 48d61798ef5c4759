// Package synckit implements the offline relationship-state synchronizer:
// a durable FIFO queue of intended mutations, a device identity provider,
// a conflict store, and a reconciler that drains the queue against the
// remote store while detecting concurrent edits.
package synckit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ChangeType is the semantic intent of a queued change.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
	ChangeAccept ChangeType = "accept"
	ChangeReject ChangeType = "reject"
	ChangeEnd    ChangeType = "end"
)

// Valid reports whether t is one of the known change types.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeCreate, ChangeUpdate, ChangeDelete, ChangeAccept, ChangeReject, ChangeEnd:
		return true
	}
	return false
}

// ParseChangeType converts s into a ChangeType.
func ParseChangeType(s string) (ChangeType, error) {
	t := ChangeType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown change type %q", s)
	}
	return t, nil
}

// ChangeRequest is what callers hand to the queue. ID, timestamp and
// device are filled in at enqueue time.
type ChangeRequest struct {
	Type     ChangeType
	EntityID string // optional for ChangeCreate only
	Payload  map[string]any
}

// QueuedChange is a locally recorded, not yet confirmed mutation intent.
type QueuedChange struct {
	ID         string         `json:"id"`
	Type       ChangeType     `json:"type"`
	EntityID   string         `json:"entityId,omitempty"`
	Payload    map[string]any `json:"payload"`
	EnqueuedAt int64          `json:"enqueuedAt"` // epoch millis, client clock
	DeviceID   string         `json:"deviceId"`
}

// EnqueuedTime returns EnqueuedAt as a time.Time.
func (c QueuedChange) EnqueuedTime() time.Time {
	return time.UnixMilli(c.EnqueuedAt)
}

const (
	// IDField is the primary key column of remote rows.
	IDField = "id"
	// UpdatedAtField is the server-assigned last-modified column.
	UpdatedAtField = "updated_at"
	// StatusField carries the relationship or request status.
	StatusField = "status"
	// EndedAtField is stamped when a relationship is ended.
	EndedAtField = "ended_at"
)

// Status values written by the reconciler.
const (
	StatusEnded    = "ended"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// Row is a remote entity row as an opaque field map.
type Row map[string]any

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

var updatedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// UpdatedAt returns the row's server-assigned last-modified time. Strings
// in RFC 3339 or Postgres text form, time.Time values and numeric epoch
// milliseconds are understood.
func (r Row) UpdatedAt() (time.Time, bool) {
	switch v := r[UpdatedAtField].(type) {
	case time.Time:
		return v, !v.IsZero()
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return *v, !v.IsZero()
	case int64:
		return time.UnixMilli(v), true
	case int:
		return time.UnixMilli(int64(v)), true
	case float64:
		return time.UnixMilli(int64(v)), true
	case json.Number:
		ms, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms), true
	case string:
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMilli(ms), true
		}
		for _, layout := range updatedAtLayouts {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// Resolution is the decision a ConflictResolver returns.
type Resolution string

const (
	ResolveLocal  Resolution = "local"
	ResolveServer Resolution = "server"
	ResolveMerge  Resolution = "merge"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	return r == ResolveLocal || r == ResolveServer || r == ResolveMerge
}

// Conflict records a queued change that disagrees with the server state
// observed at detection time. Once Resolved is set it is history: the
// record stays in the store as an audit trail.
type Conflict struct {
	EntityID    string       `json:"entityId"`
	LocalChange QueuedChange `json:"localChange"`
	ServerState Row          `json:"serverState"`
	DetectedAt  int64        `json:"detectedAt"` // epoch millis
	Resolved    bool         `json:"resolved"`
	Resolution  Resolution   `json:"resolution,omitempty"`
	ResolvedAt  int64        `json:"resolvedAt,omitempty"`
}

// SyncResult aggregates the per-entry outcomes of one reconciliation pass.
type SyncResult struct {
	Synced    int           `json:"synced"`
	Conflicts int           `json:"conflicts"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"-"`
}
