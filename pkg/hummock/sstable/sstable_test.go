package sstable

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshet-io/freshet/pkg/hummock"
	"github.com/freshet-io/freshet/pkg/objstore"
	"github.com/freshet-io/freshet/pkg/types"
)

func testKey(pk string, epochMilli int64) []byte {
	return hummock.EncodeFullKey(nil, hummock.FullKey{
		UserKey: hummock.UserKey{TableID: 1, Vnode: 0, PK: []byte(pk)},
		Epoch:   types.NewEpoch(time.UnixMilli(epochMilli)),
	})
}

func buildTestSst(t *testing.T, store *Store, objectID uint64, entries []Entry) (*hummock.SstableInfo, *Sstable) {
	t.Helper()
	ctx := context.Background()
	w := NewBatchWriter(store.ObjectStore(), objectID)
	b := NewBuilder(objectID, 128, len(entries), w)
	for _, e := range entries {
		require.NoError(t, b.Add(ctx, e.Key, e.Value))
	}
	info, err := b.Finish(ctx)
	require.NoError(t, err)

	sst, err := store.OpenSstable(ctx, &info)
	require.NoError(t, err)
	return &info, sst
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(objstore.NewMemObjectStore(), StoreConfig{
		BlockCacheCapacity: 1 << 20,
		MetaCacheCapacity:  1 << 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBuilderAndIterate(t *testing.T) {
	store := newTestStore(t)
	var entries []Entry
	for i := 0; i < 100; i++ {
		entries = append(entries, Entry{
			Key:   testKey(fmt.Sprintf("key-%03d", i), 1000),
			Value: EncodeValue(nil, []byte(fmt.Sprintf("value-%03d", i)), false),
		})
	}
	info, sst := buildTestSst(t, store, 1, entries)

	assert.Equal(t, uint64(100), info.TotalKeyCount)
	assert.Equal(t, []uint32{1}, info.TableIDs)
	// Small block size must have produced several blocks.
	assert.Greater(t, len(sst.Meta.BlockMetas), 1)

	it := NewSstIterator(context.Background(), store, sst, CacheFill)
	require.NoError(t, it.SeekToFirst())
	count := 0
	for it.Valid() {
		assert.Equal(t, entries[count].Key, it.Key())
		assert.Equal(t, entries[count].Value, it.Value())
		count++
		require.NoError(t, it.Next())
	}
	assert.Equal(t, 100, count)
}

func TestBuilderRejectsOutOfOrder(t *testing.T) {
	store := newTestStore(t)
	w := NewBatchWriter(store.ObjectStore(), 9)
	b := NewBuilder(9, 1024, 4, w)
	ctx := context.Background()
	require.NoError(t, b.Add(ctx, testKey("b", 1000), EncodeValue(nil, []byte("x"), false)))
	assert.Error(t, b.Add(ctx, testKey("a", 1000), EncodeValue(nil, []byte("y"), false)))
}

func TestSstSeek(t *testing.T) {
	store := newTestStore(t)
	var entries []Entry
	for i := 0; i < 50; i++ {
		entries = append(entries, Entry{
			Key:   testKey(fmt.Sprintf("key-%03d", i*2), 1000),
			Value: EncodeValue(nil, []byte("v"), false),
		})
	}
	_, sst := buildTestSst(t, store, 2, entries)

	it := NewSstIterator(context.Background(), store, sst, CacheFill)
	// Seek to an absent key lands on the next present one.
	require.NoError(t, it.Seek(testKey("key-013", 1000)))
	require.True(t, it.Valid())
	fk, err := hummock.DecodeFullKey(it.Key())
	require.NoError(t, err)
	assert.Equal(t, "key-014", string(fk.PK))
}

func TestBloomFilter(t *testing.T) {
	f := NewBloomFilter(1000)
	for i := 0; i < 1000; i++ {
		f.Add([]byte(fmt.Sprintf("member-%d", i)))
	}
	for i := 0; i < 1000; i++ {
		assert.True(t, f.MayContain([]byte(fmt.Sprintf("member-%d", i))))
	}
	false_positives := 0
	for i := 0; i < 1000; i++ {
		if f.MayContain([]byte(fmt.Sprintf("absent-%d", i))) {
			false_positives++
		}
	}
	assert.Less(t, false_positives, 50)

	rt := UnmarshalBloomFilter(f.Marshal())
	assert.True(t, rt.MayContain([]byte("member-1")))
}

func TestUserIteratorMVCC(t *testing.T) {
	store := newTestStore(t)
	// Newer versions sort first under one user key.
	entries := []Entry{
		{Key: testKey("a", 3000), Value: EncodeValue(nil, nil, true)}, // delete at e3
		{Key: testKey("a", 1000), Value: EncodeValue(nil, []byte("a1"), false)},
		{Key: testKey("b", 2000), Value: EncodeValue(nil, []byte("b2"), false)},
		{Key: testKey("b", 1000), Value: EncodeValue(nil, []byte("b1"), false)},
		{Key: testKey("c", 4000), Value: EncodeValue(nil, []byte("c4"), false)},
	}
	_, sst := buildTestSst(t, store, 3, entries)

	read := func(epochMilli int64) map[string]string {
		it := NewSstIterator(context.Background(), store, sst, CacheFill)
		u := NewUserIterator(it, types.NewEpoch(time.UnixMilli(epochMilli)), nil)
		require.NoError(t, u.SeekToFirst())
		out := map[string]string{}
		for u.Valid() {
			uk, err := hummock.DecodeUserKey(u.Key())
			require.NoError(t, err)
			out[string(uk.PK)] = string(u.Value())
			require.NoError(t, u.Next())
		}
		return out
	}

	// At e2: a=a1 (delete at e3 invisible), b=b2, c invisible.
	assert.Equal(t, map[string]string{"a": "a1", "b": "b2"}, read(2000))
	// At e3: the delete masks a.
	assert.Equal(t, map[string]string{"b": "b2"}, read(3000))
	// At e4: c appears.
	assert.Equal(t, map[string]string{"b": "b2", "c": "c4"}, read(4000))
	// At e1: earliest snapshot.
	assert.Equal(t, map[string]string{"a": "a1", "b": "b1"}, read(1000))
}

func TestMergeIteratorPrefersNewerSource(t *testing.T) {
	older := NewSliceIterator([]Entry{
		{Key: testKey("k", 1000), Value: EncodeValue(nil, []byte("old"), false)},
	})
	newer := NewSliceIterator([]Entry{
		{Key: testKey("k", 2000), Value: EncodeValue(nil, []byte("new"), false)},
	})
	m := NewMergeIterator([]Iterator{newer, older})
	require.NoError(t, m.SeekToFirst())

	u := NewUserIterator(m, types.NewEpoch(time.UnixMilli(5000)), nil)
	require.NoError(t, u.SeekToFirst())
	require.True(t, u.Valid())
	assert.Equal(t, []byte("new"), u.Value())
	require.NoError(t, u.Next())
	assert.False(t, u.Valid())
}

func TestFillCacheServesWithoutObjectStore(t *testing.T) {
	store := newTestStore(t)
	var entries []Entry
	for i := 0; i < 10; i++ {
		entries = append(entries, Entry{
			Key:   testKey(fmt.Sprintf("k%d", i), 1000),
			Value: EncodeValue(nil, []byte("v"), false),
		})
	}
	info, sst := buildTestSst(t, store, 4, entries)

	// Warm the cache, then delete the backing object: reads must still hit.
	data, err := store.ObjectStore().Get(context.Background(), objstore.ObjectPath(info.ObjectID))
	require.NoError(t, err)
	store.FillCache(info.ObjectID, data)
	require.NoError(t, store.ObjectStore().Delete(context.Background(), objstore.ObjectPath(info.ObjectID)))

	blk, err := store.ReadBlock(context.Background(), sst, 0, CacheFill)
	require.NoError(t, err)
	assert.NotNil(t, blk)
}

func TestDiskCacheTier(t *testing.T) {
	s, err := NewStore(objstore.NewMemObjectStore(), StoreConfig{
		BlockCacheCapacity: 1 << 20,
		MetaCacheCapacity:  1 << 20,
		DiskCachePath:      t.TempDir() + "/blocks.db",
	})
	require.NoError(t, err)
	defer s.Close()

	var entries []Entry
	for i := 0; i < 10; i++ {
		entries = append(entries, Entry{
			Key:   testKey(fmt.Sprintf("k%d", i), 1000),
			Value: EncodeValue(nil, []byte("v"), false),
		})
	}
	info, sst := buildTestSst(t, s, 5, entries)

	// Populate both tiers, then drop the object: the disk tier must serve.
	_, err = s.ReadBlock(context.Background(), sst, 0, CacheFill)
	require.NoError(t, err)
	require.NoError(t, s.ObjectStore().Delete(context.Background(), objstore.ObjectPath(info.ObjectID)))

	// Evict the memory tier.
	s.blockCache.Clear()

	blk, err := s.ReadBlock(context.Background(), sst, 0, CacheFill)
	require.NoError(t, err)
	assert.NotNil(t, blk)
}
