package cache

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store.Drop when the partition does not exist.
var ErrNotFound = errors.New("partition not found")

// Store is a persistent key-value store split into named partitions.
// It stores []byte values, which usually represent serialized HTTP responses.
// A partition is created the first time it is opened and lives until dropped.
//
// Implementations must be thread-safe!
type Store interface {
	// Open returns a handle to the named partition, creating it if needed.
	Open(ctx context.Context, name string) (Partition, error)
	// Drop deletes the partition and every entry in it.
	// Dropping a partition that does not exist returns ErrNotFound.
	Drop(ctx context.Context, name string) error
	// Partitions returns the names of all existing partitions, sorted.
	Partitions(ctx context.Context) ([]string, error)
	// Close releases the resources held by the store.
	Close() error
}

// Partition is a handle to a single named partition of a Store.
// Handles stay usable after the partition is dropped: writes through a stale
// handle recreate the partition.
type Partition interface {
	// Name returns the partition name.
	Name() string
	// Get returns the value stored under key.
	// The boolean reports whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys returns all keys in the partition, sorted.
	Keys(ctx context.Context) ([]string, error)
}

// Entry is a single stored value, used when listing a partition with sizes.
type Entry struct {
	Partition string
	Key       string
	Size      int
}

// Entries lists every entry of a partition together with its size.
func Entries(ctx context.Context, p Partition) ([]Entry, error) {
	keys, err := p.Keys(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		value, ok, err := p.Get(ctx, key)
		if err != nil {
			return entries, err
		}
		if !ok {
			continue
		}
		entries = append(entries, Entry{Partition: p.Name(), Key: key, Size: len(value)})
	}
	return entries, nil
}
