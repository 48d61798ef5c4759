package synckit

import (
	"context"
	"errors"
)

// ErrUndecided is returned by a ConflictResolver that declines to decide.
// The reconciler then records the conflict for manual resolution.
var ErrUndecided = errors.New("conflict left for manual resolution")

// ConflictResolver is the Strategy interface for conflict resolution. It
// may block, e.g. while a person answers a prompt; the reconciler waits
// before moving on to the next queued change.
type ConflictResolver interface {
	Resolve(ctx context.Context, c Conflict) (Resolution, error)
}

// ResolverFunc adapts a function to ConflictResolver.
type ResolverFunc func(ctx context.Context, c Conflict) (Resolution, error)

func (f ResolverFunc) Resolve(ctx context.Context, c Conflict) (Resolution, error) {
	return f(ctx, c)
}

// MergeRows overlays local onto a copy of server. Keys present in local
// win; every other server field is kept.
func MergeRows(server Row, local map[string]any) Row {
	merged := make(Row, len(server)+len(local))
	for k, v := range server {
		merged[k] = v
	}
	for k, v := range local {
		merged[k] = v
	}
	return merged
}
