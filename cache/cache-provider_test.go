package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemStore(),
		"sqlite": sqlite,
	}
}

func TestPartitionPutGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			p, err := store.Open(ctx, "content")
			require.NoError(t, err)
			assert.Equal(t, "content", p.Name())

			_, ok, err := p.Get(ctx, "https://app.test/main.js")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, p.Put(ctx, "https://app.test/main.js", []byte("v1")))
			require.NoError(t, p.Put(ctx, "https://app.test/main.js", []byte("v2")))
			value, ok, err := p.Get(ctx, "https://app.test/main.js")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v2", string(value))

			require.NoError(t, p.Delete(ctx, "https://app.test/main.js"))
			require.NoError(t, p.Delete(ctx, "https://app.test/missing"))
			_, ok, err = p.Get(ctx, "https://app.test/main.js")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestPartitionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			a, err := store.Open(ctx, "a")
			require.NoError(t, err)
			b, err := store.Open(ctx, "b")
			require.NoError(t, err)

			require.NoError(t, a.Put(ctx, "k2", []byte("a2")))
			require.NoError(t, a.Put(ctx, "k1", []byte("a1")))
			require.NoError(t, b.Put(ctx, "k1", []byte("b1")))

			keys, err := a.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"k1", "k2"}, keys)

			value, _, err := b.Get(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, "b1", string(value))

			names, err := store.Partitions(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, names)
		})
	}
}

func TestDropRemovesEntries(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			p, err := store.Open(ctx, "temp")
			require.NoError(t, err)
			require.NoError(t, p.Put(ctx, "k", []byte("v")))

			require.NoError(t, store.Drop(ctx, "temp"))
			assert.ErrorIs(t, store.Drop(ctx, "temp"), ErrNotFound)

			names, err := store.Partitions(ctx)
			require.NoError(t, err)
			assert.NotContains(t, names, "temp")

			reopened, err := store.Open(ctx, "temp")
			require.NoError(t, err)
			keys, err := reopened.Keys(ctx)
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestEntriesReportSizes(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	p, err := store.Open(ctx, "content")
	require.NoError(t, err)
	require.NoError(t, p.Put(ctx, "a", []byte("12345")))
	require.NoError(t, p.Put(ctx, "b", []byte("1")))

	entries, err := Entries(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Partition: "content", Key: "a", Size: 5},
		{Partition: "content", Key: "b", Size: 1},
	}, entries)
}
