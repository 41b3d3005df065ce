package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshet-io/freshet/pkg/hummock"
	"github.com/freshet-io/freshet/pkg/hummock/sstable"
	"github.com/freshet-io/freshet/pkg/objstore"
	"github.com/freshet-io/freshet/pkg/types"
)

func newTestNode(t *testing.T, obj objstore.ObjectStore) *Node {
	t.Helper()
	sstStore, err := sstable.NewStore(obj, sstable.StoreConfig{
		BlockCacheCapacity: 1 << 20,
		MetaCacheCapacity:  1 << 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { sstStore.Close() })
	return NewNode(sstStore, hummock.NewVersionUpdater(hummock.NewInitialVersion()), &LocalIDAllocator{}, Config{
		BlockSize:            256,
		SharedBufferCapacity: 1 << 20,
	})
}

func userKey(table uint32, pk string) []byte {
	return hummock.EncodeUserKey(nil, hummock.UserKey{TableID: table, Vnode: 0, PK: []byte(pk)})
}

// commit seals, syncs and commits one epoch on the node, mirroring what
// the barrier protocol does across meta and the compute node.
func commitEpoch(t *testing.T, n *Node, epoch types.Epoch) {
	t.Helper()
	n.SealEpoch(epoch, true)
	infos, err := n.Sync(context.Background(), epoch)
	require.NoError(t, err)

	v := n.Updater().Current()
	delta := &hummock.VersionDelta{
		PrevID:            v.ID,
		NewID:             v.ID + 1,
		MaxCommittedEpoch: epoch.Pure(),
	}
	if len(infos) > 0 {
		delta.GroupDeltas = []hummock.GroupDelta{{GroupID: hummock.DefaultCompactionGroup, NewL0SSTs: infos}}
	}
	require.NoError(t, n.Updater().ApplyDelta(delta))
	n.PruneCommitted()
}

func TestCommitAndReadYourWrites(t *testing.T) {
	// Scenario: write k=v0 at E1, commit, then write v1 at E2 and check
	// snapshot isolation before and after the second commit.
	ctx := context.Background()
	obj := objstore.NewMemObjectStore()
	n := newTestNode(t, obj)

	e1 := types.NewEpoch(time.UnixMilli(1000))
	e2 := types.NewEpoch(time.UnixMilli(2000))
	k := userKey(1, "x")

	require.NoError(t, n.Put(e1, k, []byte("v0"), false))
	commitEpoch(t, n, e1)

	got, ok, err := n.Get(ctx, k, e1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v0"), got)

	// Uncommitted write at E2: visible at E2 on the writing node only.
	require.NoError(t, n.Put(e2, k, []byte("v1"), false))

	got, ok, err = n.Get(ctx, k, e2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	// The E1 snapshot still reads v0.
	got, ok, err = n.Get(ctx, k, e1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v0"), got)

	commitEpoch(t, n, e2)

	// A different node observing the committed version reads v1 at E2.
	other := newTestNode(t, obj)
	other.Updater().ApplyVersion(n.Updater().Current())
	got, ok, err = other.Get(ctx, k, e2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	got, ok, err = other.Get(ctx, k, e1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v0"), got)
}

func TestDeleteMasksOlderWrite(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, objstore.NewMemObjectStore())

	e1 := types.NewEpoch(time.UnixMilli(1000))
	e2 := types.NewEpoch(time.UnixMilli(2000))
	k := userKey(1, "gone")

	require.NoError(t, n.Put(e1, k, []byte("v"), false))
	commitEpoch(t, n, e1)
	require.NoError(t, n.Put(e2, k, nil, true))
	commitEpoch(t, n, e2)

	_, ok, err := n.Get(ctx, k, e2)
	require.NoError(t, err)
	assert.False(t, ok)

	// The older snapshot still sees the value.
	got, ok, err := n.Get(ctx, k, e1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestSpillOrdering(t *testing.T) {
	// Two spills within one epoch: the later write must win on read.
	ctx := context.Background()
	n := newTestNode(t, objstore.NewMemObjectStore())

	e1 := types.NewEpoch(time.UnixMilli(1000))
	k := userKey(1, "spilled")

	require.NoError(t, n.Put(e1, k, []byte("first"), false))
	n.Spill(e1)
	require.NoError(t, n.Put(e1, k, []byte("second"), false))

	got, ok, err := n.Get(ctx, k, e1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), got)

	commitEpoch(t, n, e1)
	got, ok, err = n.Get(ctx, k, e1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), got)
}

func TestMemoryLimiterFailsWrites(t *testing.T) {
	sstStore, err := sstable.NewStore(objstore.NewMemObjectStore(), sstable.StoreConfig{
		BlockCacheCapacity: 1 << 20,
		MetaCacheCapacity:  1 << 20,
	})
	require.NoError(t, err)
	defer sstStore.Close()

	n := NewNode(sstStore, hummock.NewVersionUpdater(hummock.NewInitialVersion()), &LocalIDAllocator{}, Config{
		BlockSize:            256,
		SharedBufferCapacity: 64,
	})
	e1 := types.NewEpoch(time.UnixMilli(1000))

	big := make([]byte, 128)
	err = n.Put(e1, userKey(1, "big"), big, false)
	require.Error(t, err)
	assert.Equal(t, types.KindStateExceeded, types.Classify(err))
}

func TestStateTableRoundTrip(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, objstore.NewMemObjectStore())

	table := NewStateTable(n, TableSchema{
		TableID:     7,
		Columns:     []types.DataType{types.TypeInt64, types.TypeUtf8, types.TypeFloat64},
		PKIndices:   []int{0},
		DistKeyInPK: []int{0},
	}, nil)

	e1 := types.NewEpoch(time.UnixMilli(1000))
	table.Init(e1)

	require.NoError(t, table.Upsert(types.Row{int64(1), "one", 1.0}))
	require.NoError(t, table.Upsert(types.Row{int64(2), "two", 2.0}))

	row, ok, err := table.Get(ctx, types.Row{int64(1)})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.Row{int64(1), "one", 1.0}, row)

	// Upsert overwrites within the same epoch.
	require.NoError(t, table.Upsert(types.Row{int64(1), "uno", 1.5}))
	row, _, err = table.Get(ctx, types.Row{int64(1)})
	require.NoError(t, err)
	assert.Equal(t, types.Row{int64(1), "uno", 1.5}, row)

	commitEpoch(t, n, e1)

	rows, err := table.ScanOwned(ctx, e1)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	// Delete at the next epoch.
	e2 := types.NewEpoch(time.UnixMilli(2000))
	table.UpdateEpoch(e2)
	require.NoError(t, table.Delete(types.Row{int64(1), "uno", 1.5}))

	_, ok, err = table.Get(ctx, types.Row{int64(1)})
	require.NoError(t, err)
	assert.False(t, ok)

	// The committed snapshot at E1 still holds both rows.
	rows, err = table.ScanOwned(ctx, e1)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestStateTablePrefixScan(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, objstore.NewMemObjectStore())

	// Composite pk (group, seq): prefix scans fetch one group.
	table := NewStateTable(n, TableSchema{
		TableID:     8,
		Columns:     []types.DataType{types.TypeInt64, types.TypeInt64, types.TypeUtf8},
		PKIndices:   []int{0, 1},
		DistKeyInPK: []int{0},
	}, nil)

	e1 := types.NewEpoch(time.UnixMilli(1000))
	table.Init(e1)

	require.NoError(t, table.Upsert(types.Row{int64(1), int64(10), "a"}))
	require.NoError(t, table.Upsert(types.Row{int64(1), int64(20), "b"}))
	require.NoError(t, table.Upsert(types.Row{int64(2), int64(10), "c"}))

	vnode := table.VnodeOfPK(types.Row{int64(1), int64(10)})
	rows, err := table.IterPrefix(ctx, vnode, types.Row{int64(1)}, e1)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// PK order within the prefix.
	assert.Equal(t, "a", rows[0][2])
	assert.Equal(t, "b", rows[1][2])
}
