package compaction

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshet-io/freshet/pkg/hummock"
	"github.com/freshet-io/freshet/pkg/hummock/sstable"
	"github.com/freshet-io/freshet/pkg/objstore"
	"github.com/freshet-io/freshet/pkg/types"
)

type localAlloc struct{ next uint64 }

func (a *localAlloc) NextObjectID(context.Context) (uint64, error) {
	a.next++
	return a.next + 1000, nil
}

func newStore(t *testing.T) *sstable.Store {
	t.Helper()
	s, err := sstable.NewStore(objstore.NewMemObjectStore(), sstable.StoreConfig{
		BlockCacheCapacity: 1 << 20,
		MetaCacheCapacity:  1 << 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fullKey(pk string, epochMilli int64) []byte {
	return hummock.EncodeFullKey(nil, hummock.FullKey{
		UserKey: hummock.UserKey{TableID: 1, Vnode: 0, PK: []byte(pk)},
		Epoch:   types.NewEpoch(time.UnixMilli(epochMilli)),
	})
}

func buildSst(t *testing.T, store *sstable.Store, objectID uint64, entries []sstable.Entry) hummock.SstableInfo {
	t.Helper()
	ctx := context.Background()
	b := sstable.NewBuilder(objectID, 256, len(entries), sstable.NewBatchWriter(store.ObjectStore(), objectID))
	for _, e := range entries {
		require.NoError(t, b.Add(ctx, e.Key, e.Value))
	}
	info, err := b.Finish(ctx)
	require.NoError(t, err)
	return info
}

func readAll(t *testing.T, store *sstable.Store, infos []hummock.SstableInfo) []sstable.Entry {
	t.Helper()
	ctx := context.Background()
	var out []sstable.Entry
	for i := range infos {
		sst, err := store.OpenSstable(ctx, &infos[i])
		require.NoError(t, err)
		it := sstable.NewSstIterator(ctx, store, sst, sstable.CacheNotFill)
		require.NoError(t, it.SeekToFirst())
		for it.Valid() {
			out = append(out, sstable.Entry{
				Key:   append([]byte(nil), it.Key()...),
				Value: append([]byte(nil), it.Value()...),
			})
			require.NoError(t, it.Next())
		}
	}
	return out
}

func TestCompactionCollapsesVersionsBelowSafeEpoch(t *testing.T) {
	store := newStore(t)
	alloc := &localAlloc{}

	// Two overlapping L0 SSTs: three versions of "a", one of "b".
	sst1 := buildSst(t, store, 1, []sstable.Entry{
		{Key: fullKey("a", 3000), Value: sstable.EncodeValue(nil, []byte("a3"), false)},
		{Key: fullKey("b", 1000), Value: sstable.EncodeValue(nil, []byte("b1"), false)},
	})
	sst2 := buildSst(t, store, 2, []sstable.Entry{
		{Key: fullKey("a", 2000), Value: sstable.EncodeValue(nil, []byte("a2"), false)},
		{Key: fullKey("a", 1000), Value: sstable.EncodeValue(nil, []byte("a1"), false)},
	})

	c := NewCompactor(store, alloc, 256)
	res, err := c.Run(context.Background(), &Task{
		ID:          "t1",
		GroupID:     hummock.DefaultCompactionGroup,
		InputSSTs:   []hummock.SstableInfo{sst1, sst2},
		TargetLevel: 1,
		SafeEpoch:   types.NewEpoch(time.UnixMilli(2500)),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 2}, res.RemovedObjects)

	entries := readAll(t, store, res.OutputSSTs)
	// a@3000 is above the safe epoch (kept), a@2000 is the newest at or
	// below it (kept), a@1000 collapses. b@1000 kept.
	require.Len(t, entries, 3)
	var keys []string
	for _, e := range entries {
		fk, err := hummock.DecodeFullKey(e.Key)
		require.NoError(t, err)
		keys = append(keys, fmt.Sprintf("%s@%d", fk.PK, fk.Epoch.PhysicalTime().UnixMilli()))
	}
	assert.Equal(t, []string{"a@3000", "a@2000", "b@1000"}, keys)
}

func TestCompactionDropsTombstonesAtBottom(t *testing.T) {
	store := newStore(t)
	alloc := &localAlloc{}

	sst1 := buildSst(t, store, 1, []sstable.Entry{
		{Key: fullKey("dead", 2000), Value: sstable.EncodeValue(nil, nil, true)},
		{Key: fullKey("dead", 1000), Value: sstable.EncodeValue(nil, []byte("v"), false)},
		{Key: fullKey("live", 1000), Value: sstable.EncodeValue(nil, []byte("x"), false)},
	})

	c := NewCompactor(store, alloc, 256)
	res, err := c.Run(context.Background(), &Task{
		ID:             "t2",
		GroupID:        hummock.DefaultCompactionGroup,
		InputSSTs:      []hummock.SstableInfo{sst1},
		TargetLevel:    1,
		SafeEpoch:      types.NewEpoch(time.UnixMilli(3000)),
		DropTombstones: true,
	})
	require.NoError(t, err)

	entries := readAll(t, store, res.OutputSSTs)
	require.Len(t, entries, 1)
	fk, err := hummock.DecodeFullKey(entries[0].Key)
	require.NoError(t, err)
	assert.Equal(t, "live", string(fk.PK))
}

func TestPlanL0(t *testing.T) {
	v := hummock.NewInitialVersion()
	// Below the trigger: no task.
	assert.Nil(t, PlanL0(v, hummock.DefaultCompactionGroup, 2))

	ls := v.Groups[hummock.DefaultCompactionGroup]
	ls.L0 = []hummock.Level{
		{SSTs: []hummock.SstableInfo{{ObjectID: 1}}},
		{SSTs: []hummock.SstableInfo{{ObjectID: 2}}},
	}
	task := PlanL0(v, hummock.DefaultCompactionGroup, 2)
	require.NotNil(t, task)
	assert.Len(t, task.InputSSTs, 2)
	assert.Equal(t, uint32(1), task.TargetLevel)
	assert.True(t, task.DropTombstones)
}

func TestVersionSwapAfterCompaction(t *testing.T) {
	// End-to-end: build version with L0, compact, apply the swap delta,
	// verify the invariant that committed SSTs exist in the object store.
	store := newStore(t)
	alloc := &localAlloc{}
	ctx := context.Background()

	sst1 := buildSst(t, store, 1, []sstable.Entry{
		{Key: fullKey("k", 2000), Value: sstable.EncodeValue(nil, []byte("new"), false)},
	})
	sst2 := buildSst(t, store, 2, []sstable.Entry{
		{Key: fullKey("k", 1000), Value: sstable.EncodeValue(nil, []byte("old"), false)},
	})

	v := hummock.NewInitialVersion()
	v.Groups[hummock.DefaultCompactionGroup].L0 = []hummock.Level{
		{SSTs: []hummock.SstableInfo{sst1}},
		{SSTs: []hummock.SstableInfo{sst2}},
	}
	v.MaxCommittedEpoch = types.NewEpoch(time.UnixMilli(2000))

	task := PlanL0(v, hummock.DefaultCompactionGroup, 2)
	require.NotNil(t, task)

	c := NewCompactor(store, alloc, 256)
	res, err := c.Run(ctx, task)
	require.NoError(t, err)

	next, err := v.Apply(&hummock.VersionDelta{
		PrevID: v.ID,
		NewID:  v.ID + 1,
		GroupDeltas: []hummock.GroupDelta{{
			GroupID:        res.GroupID,
			RemovedObjects: res.RemovedObjects,
			InsertedSSTs:   res.OutputSSTs,
			TargetLevel:    res.TargetLevel,
		}},
	})
	require.NoError(t, err)

	for id := range next.ObjectIDs() {
		ok, err := store.ObjectStore().Exists(ctx, objstore.ObjectPath(id))
		require.NoError(t, err)
		assert.True(t, ok, "sst %d referenced by committed version must exist", id)
	}
}
