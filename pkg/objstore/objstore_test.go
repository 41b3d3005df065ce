package objstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]ObjectStore {
	fsStore, err := NewFSObjectStore(t.TempDir())
	require.NoError(t, err)
	return map[string]ObjectStore{
		"mem": NewMemObjectStore(),
		"fs":  fsStore,
	}
}

func TestObjectStoreBasics(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			path := ObjectPath(7)
			require.NoError(t, store.Put(ctx, path, []byte("hello world")))

			data, err := store.Get(ctx, path)
			require.NoError(t, err)
			assert.Equal(t, []byte("hello world"), data)

			part, err := store.GetRange(ctx, path, 6, 5)
			require.NoError(t, err)
			assert.Equal(t, []byte("world"), part)

			ok, err := store.Exists(ctx, path)
			require.NoError(t, err)
			assert.True(t, ok)

			_, err = store.Get(ctx, ObjectPath(9999))
			assert.True(t, errors.Is(err, ErrNotFound))

			require.NoError(t, store.Delete(ctx, path))
			ok, err = store.Exists(ctx, path)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestObjectStoreList(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put(ctx, "archive/1", []byte("a")))
			require.NoError(t, store.Put(ctx, "archive/2", []byte("b")))
			require.NoError(t, store.Put(ctx, CheckpointPath, []byte("c")))

			got, err := store.List(ctx, "archive/")
			require.NoError(t, err)
			assert.Equal(t, []string{"archive/1", "archive/2"}, got)
		})
	}
}

type flaky struct {
	*MemObjectStore
	failures int
}

func (f *flaky) Get(ctx context.Context, path string) ([]byte, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("transient io error")
	}
	return f.MemObjectStore.Get(ctx, path)
}

func TestRetryingReads(t *testing.T) {
	ctx := context.Background()
	inner := &flaky{MemObjectStore: NewMemObjectStore(), failures: 2}
	require.NoError(t, inner.Put(ctx, "x", []byte("v")))

	store := WithRetry(inner, RetryConfig{Attempts: 3, BaseDelay: 1, MaxDelay: 2})
	data, err := store.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)

	// Budget exhaustion surfaces the underlying error.
	inner.failures = 10
	_, err = store.Get(ctx, "x")
	assert.Error(t, err)
}
