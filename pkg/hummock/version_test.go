package hummock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshet-io/freshet/pkg/types"
)

func sstWithID(id uint64) SstableInfo {
	return SstableInfo{
		ObjectID: id,
		KeyRange: KeyRange{Left: []byte{byte(id)}, Right: []byte{byte(id), 0xFF}},
		FileSize: 100 * id,
		TableIDs: []uint32{1},
	}
}

func TestVersionApplyAddsL0(t *testing.T) {
	v := NewInitialVersion()
	e1 := types.NewEpoch(time.UnixMilli(1000))

	next, err := v.Apply(&VersionDelta{
		PrevID: v.ID,
		NewID:  v.ID + 1,
		GroupDeltas: []GroupDelta{
			{GroupID: DefaultCompactionGroup, NewL0SSTs: []SstableInfo{sstWithID(10)}},
		},
		MaxCommittedEpoch: e1,
	})
	require.NoError(t, err)

	// The parent is untouched.
	assert.Empty(t, v.Groups[DefaultCompactionGroup].L0)
	assert.Equal(t, types.EpochInvalid, v.MaxCommittedEpoch)

	assert.Len(t, next.Groups[DefaultCompactionGroup].L0, 1)
	assert.Equal(t, e1, next.MaxCommittedEpoch)

	// A second flush stacks a newer sub-level on top.
	e2 := types.NewEpoch(time.UnixMilli(2000))
	third, err := next.Apply(&VersionDelta{
		PrevID: next.ID,
		NewID:  next.ID + 1,
		GroupDeltas: []GroupDelta{
			{GroupID: DefaultCompactionGroup, NewL0SSTs: []SstableInfo{sstWithID(11)}},
		},
		MaxCommittedEpoch: e2,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(11), third.Groups[DefaultCompactionGroup].L0[0].SSTs[0].ObjectID)
	assert.Equal(t, uint64(10), third.Groups[DefaultCompactionGroup].L0[1].SSTs[0].ObjectID)
}

func TestVersionApplyRejectsBrokenChain(t *testing.T) {
	v := NewInitialVersion()
	_, err := v.Apply(&VersionDelta{PrevID: v.ID + 5, NewID: v.ID + 6})
	assert.Error(t, err)
}

func TestVersionApplyRejectsEpochRegression(t *testing.T) {
	v := NewInitialVersion()
	e2 := types.NewEpoch(time.UnixMilli(2000))
	next, err := v.Apply(&VersionDelta{PrevID: v.ID, NewID: v.ID + 1, MaxCommittedEpoch: e2})
	require.NoError(t, err)

	e1 := types.NewEpoch(time.UnixMilli(1000))
	_, err = next.Apply(&VersionDelta{PrevID: next.ID, NewID: next.ID + 1, MaxCommittedEpoch: e1})
	assert.Error(t, err)
}

func TestVersionCompactionSwap(t *testing.T) {
	v := NewInitialVersion()
	next, err := v.Apply(&VersionDelta{
		PrevID: v.ID, NewID: v.ID + 1,
		GroupDeltas: []GroupDelta{
			{GroupID: DefaultCompactionGroup, NewL0SSTs: []SstableInfo{sstWithID(1), sstWithID(2)}},
		},
		MaxCommittedEpoch: types.NewEpoch(time.UnixMilli(1000)),
	})
	require.NoError(t, err)

	compacted, err := next.Apply(&VersionDelta{
		PrevID: next.ID, NewID: next.ID + 1,
		GroupDeltas: []GroupDelta{
			{
				GroupID:        DefaultCompactionGroup,
				RemovedObjects: []uint64{1, 2},
				InsertedSSTs:   []SstableInfo{sstWithID(3)},
				TargetLevel:    1,
			},
		},
	})
	require.NoError(t, err)

	ls := compacted.Groups[DefaultCompactionGroup]
	assert.Empty(t, ls.L0)
	require.Len(t, ls.Levels, 1)
	assert.Equal(t, uint64(3), ls.Levels[0].SSTs[0].ObjectID)

	ids := compacted.ObjectIDs()
	assert.Contains(t, ids, uint64(3))
	assert.NotContains(t, ids, uint64(1))
}

func TestVersionCodecRoundTrip(t *testing.T) {
	v := NewInitialVersion()
	v.MaxCommittedEpoch = types.NewEpoch(time.UnixMilli(5000))
	v.SafeEpoch = types.NewEpoch(time.UnixMilli(1000))
	v.Groups[DefaultCompactionGroup].L0 = []Level{{SSTs: []SstableInfo{sstWithID(7)}}}
	v.Groups[DefaultCompactionGroup].Levels = []Level{{LevelIdx: 1, SSTs: []SstableInfo{sstWithID(8), sstWithID(9)}}}

	enc := MarshalVersion(nil, v)
	dec, err := UnmarshalVersion(enc)
	require.NoError(t, err)

	assert.Equal(t, v.ID, dec.ID)
	assert.Equal(t, v.MaxCommittedEpoch, dec.MaxCommittedEpoch)
	assert.Equal(t, v.SafeEpoch, dec.SafeEpoch)
	assert.Equal(t, v.Groups[DefaultCompactionGroup].L0, dec.Groups[DefaultCompactionGroup].L0)
	assert.Equal(t, v.Groups[DefaultCompactionGroup].Levels, dec.Groups[DefaultCompactionGroup].Levels)
}

func TestPinnedVersionLifecycle(t *testing.T) {
	u := NewVersionUpdater(NewInitialVersion())

	pin := u.Pin()
	assert.Equal(t, uint64(1), pin.Version().ID)

	err := u.ApplyDelta(&VersionDelta{
		PrevID: 1, NewID: 2,
		MaxCommittedEpoch: types.NewEpoch(time.UnixMilli(1000)),
	})
	require.NoError(t, err)

	// The old pin still reads the old snapshot.
	assert.Equal(t, uint64(1), pin.Version().ID)
	assert.Equal(t, uint64(2), u.Current().ID)

	// Releasing the last external pin recycles version 1.
	pin.Release()
	assert.Equal(t, []uint64{1}, u.DrainUnpinned())
	assert.Empty(t, u.DrainUnpinned())
}

func TestWaitCommitted(t *testing.T) {
	u := NewVersionUpdater(NewInitialVersion())
	target := types.NewEpoch(time.UnixMilli(3000))

	ch := u.WaitCommitted(target)
	select {
	case <-ch:
		t.Fatal("wait should not be satisfied yet")
	default:
	}

	// An intermediate commit below the target does not wake the waiter.
	require.NoError(t, u.ApplyDelta(&VersionDelta{PrevID: 1, NewID: 2, MaxCommittedEpoch: types.NewEpoch(time.UnixMilli(1000))}))
	select {
	case <-ch:
		t.Fatal("woken too early")
	default:
	}

	require.NoError(t, u.ApplyDelta(&VersionDelta{PrevID: 2, NewID: 3, MaxCommittedEpoch: target}))
	<-ch

	// Already satisfied waits return closed channels.
	<-u.WaitCommitted(target)
}
