package synckit

import (
	"context"
	"errors"
)

// ErrNotFound is returned (possibly wrapped) by RemoteStore.Fetch and
// RemoteStore.Update when no row has the requested primary key.
var ErrNotFound = errors.New("row not found")

// LocalStorage is the durable key/value store owned by this device. It
// holds the queue, the conflict list and the device identifier.
type LocalStorage interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// RemoteStore is the shared relational store. Rows are read and written by
// primary key; the store assigns updated_at on every write.
type RemoteStore interface {
	Fetch(ctx context.Context, table, id string) (Row, error)
	Insert(ctx context.Context, table string, row Row) error
	Update(ctx context.Context, table, id string, fields Row) error
}

// Connectivity reports whether the remote store is currently reachable.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// ConnectivityFunc adapts a function to Connectivity.
type ConnectivityFunc func(ctx context.Context) bool

func (f ConnectivityFunc) Online(ctx context.Context) bool { return f(ctx) }

// AlwaysOnline is a Connectivity that never reports offline.
var AlwaysOnline Connectivity = ConnectivityFunc(func(context.Context) bool { return true })
