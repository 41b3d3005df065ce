package hummock

import (
	"fmt"
	"sort"

	"github.com/freshet-io/freshet/pkg/types"
)

// CompactionGroupID partitions tables sharing one SST level structure
type CompactionGroupID uint64

// DefaultCompactionGroup holds every table not assigned elsewhere
const DefaultCompactionGroup CompactionGroupID = 1

// SstableInfo describes one immutable SST object
type SstableInfo struct {
	ObjectID         uint64
	KeyRange         KeyRange
	FileSize         uint64
	TableIDs         []uint32
	UncompressedSize uint64
	TotalKeyCount    uint64
	StaleKeyCount    uint64
}

// ContainsTable reports whether the SST holds data of the given table
func (s *SstableInfo) ContainsTable(tableID uint32) bool {
	for _, id := range s.TableIDs {
		if id == tableID {
			return true
		}
	}
	return false
}

// Level is one sorted run of SSTs. In L0 files may overlap; in deeper
// levels key ranges are disjoint and sorted.
type Level struct {
	LevelIdx uint32
	SSTs     []SstableInfo
}

// LevelSet is the level structure of one compaction group
type LevelSet struct {
	// L0 sub-levels, newest first; each sub-level is one flush batch.
	L0 []Level
	// Levels are the deeper, non-overlapping levels, index 0 = L1.
	Levels []Level
}

// Version is an immutable, numbered snapshot of every SST visible to
// readers.
type Version struct {
	ID                uint64
	Groups            map[CompactionGroupID]*LevelSet
	MaxCommittedEpoch types.Epoch
	SafeEpoch         types.Epoch
}

// NewInitialVersion returns the empty version every cluster starts from
func NewInitialVersion() *Version {
	return &Version{
		ID:     1,
		Groups: map[CompactionGroupID]*LevelSet{DefaultCompactionGroup: {}},
	}
}

// Clone deep-copies the version so a delta can be applied without
// disturbing readers of the parent.
func (v *Version) Clone() *Version {
	cp := &Version{
		ID:                v.ID,
		Groups:            make(map[CompactionGroupID]*LevelSet, len(v.Groups)),
		MaxCommittedEpoch: v.MaxCommittedEpoch,
		SafeEpoch:         v.SafeEpoch,
	}
	for id, ls := range v.Groups {
		nls := &LevelSet{
			L0:     make([]Level, len(ls.L0)),
			Levels: make([]Level, len(ls.Levels)),
		}
		copy(nls.L0, ls.L0)
		copy(nls.Levels, ls.Levels)
		for i := range nls.L0 {
			nls.L0[i].SSTs = append([]SstableInfo(nil), ls.L0[i].SSTs...)
		}
		for i := range nls.Levels {
			nls.Levels[i].SSTs = append([]SstableInfo(nil), ls.Levels[i].SSTs...)
		}
		cp.Groups[id] = nls
	}
	return cp
}

// AllSSTs calls fn for every SST referenced by the version
func (v *Version) AllSSTs(fn func(CompactionGroupID, SstableInfo)) {
	for id, ls := range v.Groups {
		for _, sub := range ls.L0 {
			for _, sst := range sub.SSTs {
				fn(id, sst)
			}
		}
		for _, lvl := range ls.Levels {
			for _, sst := range lvl.SSTs {
				fn(id, sst)
			}
		}
	}
}

// ObjectIDs returns the set of object ids the version references
func (v *Version) ObjectIDs() map[uint64]struct{} {
	ids := make(map[uint64]struct{})
	v.AllSSTs(func(_ CompactionGroupID, sst SstableInfo) {
		ids[sst.ObjectID] = struct{}{}
	})
	return ids
}

// GroupDelta describes the SST changes of one compaction group
type GroupDelta struct {
	GroupID CompactionGroupID
	// NewL0SSTs opens a new L0 sub-level holding these SSTs.
	NewL0SSTs []SstableInfo
	// RemovedObjects and InsertedSSTs describe a compaction swap into
	// TargetLevel.
	RemovedObjects []uint64
	InsertedSSTs   []SstableInfo
	TargetLevel    uint32
}

// VersionDelta transforms Vk into Vk+1
type VersionDelta struct {
	PrevID            uint64
	NewID             uint64
	GroupDeltas       []GroupDelta
	MaxCommittedEpoch types.Epoch
	SafeEpoch         types.Epoch
}

// Apply produces the next version. The receiver is unchanged. It fails if
// the delta does not chain onto v or would regress the committed epoch.
func (v *Version) Apply(delta *VersionDelta) (*Version, error) {
	if delta.PrevID != v.ID {
		return nil, fmt.Errorf("version delta chain broken: have %d, delta expects %d", v.ID, delta.PrevID)
	}
	if delta.MaxCommittedEpoch != types.EpochInvalid && delta.MaxCommittedEpoch <= v.MaxCommittedEpoch && v.MaxCommittedEpoch != types.EpochInvalid {
		return nil, fmt.Errorf("max committed epoch would not increase: %s -> %s", v.MaxCommittedEpoch, delta.MaxCommittedEpoch)
	}
	next := v.Clone()
	next.ID = delta.NewID
	if delta.MaxCommittedEpoch != types.EpochInvalid {
		next.MaxCommittedEpoch = delta.MaxCommittedEpoch
	}
	if delta.SafeEpoch != types.EpochInvalid {
		next.SafeEpoch = delta.SafeEpoch
	}
	for _, gd := range delta.GroupDeltas {
		ls := next.Groups[gd.GroupID]
		if ls == nil {
			ls = &LevelSet{}
			next.Groups[gd.GroupID] = ls
		}
		if len(gd.NewL0SSTs) > 0 {
			// Newest sub-level first.
			ls.L0 = append([]Level{{SSTs: append([]SstableInfo(nil), gd.NewL0SSTs...)}}, ls.L0...)
		}
		if len(gd.RemovedObjects) > 0 || len(gd.InsertedSSTs) > 0 {
			applyCompactionSwap(ls, gd)
		}
	}
	return next, nil
}

func applyCompactionSwap(ls *LevelSet, gd GroupDelta) {
	removed := make(map[uint64]struct{}, len(gd.RemovedObjects))
	for _, id := range gd.RemovedObjects {
		removed[id] = struct{}{}
	}
	// Drop consumed inputs wherever they live.
	var l0 []Level
	for _, sub := range ls.L0 {
		var keep []SstableInfo
		for _, sst := range sub.SSTs {
			if _, gone := removed[sst.ObjectID]; !gone {
				keep = append(keep, sst)
			}
		}
		if len(keep) > 0 {
			l0 = append(l0, Level{SSTs: keep})
		}
	}
	ls.L0 = l0
	for i := range ls.Levels {
		var keep []SstableInfo
		for _, sst := range ls.Levels[i].SSTs {
			if _, gone := removed[sst.ObjectID]; !gone {
				keep = append(keep, sst)
			}
		}
		ls.Levels[i].SSTs = keep
	}
	// Insert outputs into the target level, keeping key order.
	for uint32(len(ls.Levels)) < gd.TargetLevel {
		ls.Levels = append(ls.Levels, Level{LevelIdx: uint32(len(ls.Levels) + 1)})
	}
	if gd.TargetLevel >= 1 {
		lvl := &ls.Levels[gd.TargetLevel-1]
		lvl.SSTs = append(lvl.SSTs, gd.InsertedSSTs...)
		sort.Slice(lvl.SSTs, func(i, j int) bool {
			return CompareUserKey(lvl.SSTs[i].KeyRange.Left, lvl.SSTs[j].KeyRange.Left) < 0
		})
	}
}
