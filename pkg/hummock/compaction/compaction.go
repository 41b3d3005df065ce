package compaction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/freshet-io/freshet/pkg/hummock"
	"github.com/freshet-io/freshet/pkg/hummock/sstable"
	"github.com/freshet-io/freshet/pkg/metrics"
	"github.com/freshet-io/freshet/pkg/types"
)

// Task describes one unit of compaction work handed out by meta
type Task struct {
	ID          string
	GroupID     hummock.CompactionGroupID
	InputSSTs   []hummock.SstableInfo
	TargetLevel uint32
	// SafeEpoch: versions at or below it can be collapsed to the newest.
	SafeEpoch types.Epoch
	// DropTombstones is set when the output lands in the bottom-most
	// level and no older snapshot pins the deleted keys.
	DropTombstones bool
	// TargetSSTSize splits the output into multiple SSTs.
	TargetSSTSize uint64
}

// Result is what the compactor reports back to meta
type Result struct {
	TaskID      string
	GroupID     hummock.CompactionGroupID
	RemovedObjects []uint64
	OutputSSTs  []hummock.SstableInfo
	TargetLevel uint32
}

// PlanL0 builds a task merging every L0 sub-level of a group into L1
// when the sub-level count reaches the trigger. Returns nil when there is
// nothing to do.
func PlanL0(v *hummock.Version, groupID hummock.CompactionGroupID, l0Trigger int) *Task {
	ls, ok := v.Groups[groupID]
	if !ok || len(ls.L0) < l0Trigger {
		return nil
	}
	task := &Task{
		ID:          uuid.NewString(),
		GroupID:     groupID,
		TargetLevel: 1,
		SafeEpoch:   v.SafeEpoch,
		// L1 is the bottom level until deeper levels are populated.
		DropTombstones: len(ls.Levels) <= 1,
		TargetSSTSize:  64 << 20,
	}
	for _, sub := range ls.L0 {
		task.InputSSTs = append(task.InputSSTs, sub.SSTs...)
	}
	// The target level participates so overlapping keys merge.
	if len(ls.Levels) >= 1 {
		task.InputSSTs = append(task.InputSSTs, ls.Levels[0].SSTs...)
	}
	if len(task.InputSSTs) == 0 {
		return nil
	}
	return task
}

// IDAllocator hands out object ids for compaction outputs
type IDAllocator interface {
	NextObjectID(ctx context.Context) (uint64, error)
}

// Compactor executes tasks against an SstableStore
type Compactor struct {
	store     *sstable.Store
	alloc     IDAllocator
	blockSize int
}

// NewCompactor creates a compactor
func NewCompactor(store *sstable.Store, alloc IDAllocator, blockSize int) *Compactor {
	if blockSize <= 0 {
		blockSize = 64 << 10
	}
	return &Compactor{store: store, alloc: alloc, blockSize: blockSize}
}

// Run merges the task's inputs honoring MVCC and returns the swap result
func (c *Compactor) Run(ctx context.Context, task *Task) (*Result, error) {
	start := time.Now()
	res, err := c.run(ctx, task)
	if err != nil {
		metrics.CompactionTasks.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.CompactionTasks.WithLabelValues("success").Inc()
	metrics.CompactionDuration.Observe(time.Since(start).Seconds())
	return res, nil
}

func (c *Compactor) run(ctx context.Context, task *Task) (*Result, error) {
	var children []sstable.Iterator
	for i := range task.InputSSTs {
		info := &task.InputSSTs[i]
		sst, err := c.store.OpenSstable(ctx, info)
		if err != nil {
			return nil, fmt.Errorf("failed to open input sst %d: %w", info.ObjectID, err)
		}
		// Compaction reads are one-shot scans; do not pollute the caches.
		children = append(children, sstable.NewSstIterator(ctx, c.store, sst, sstable.CacheNotFill))
	}
	merged := sstable.NewMergeIterator(children)
	if err := merged.SeekToFirst(); err != nil {
		return nil, err
	}

	out := &outputWriter{c: c, ctx: ctx, task: task}

	// MVCC retention: keep every version above the safe epoch; below it,
	// only the newest version per user key survives, and a surviving
	// tombstone is dropped when nothing older can observe it.
	var lastUserKey []byte
	var droppedBelowSafe bool
	for merged.Valid() {
		fullKey := merged.Key()
		userKey := hummock.UserKeyOf(fullKey)
		epoch := hummock.EpochOf(fullKey)

		newUserKey := lastUserKey == nil || hummock.CompareUserKey(userKey, lastUserKey) != 0
		if newUserKey {
			lastUserKey = append(lastUserKey[:0], userKey...)
			droppedBelowSafe = false
		}

		keep := true
		if epoch.Pure() <= task.SafeEpoch.Pure() && task.SafeEpoch != types.EpochInvalid {
			if droppedBelowSafe {
				keep = false
			} else {
				droppedBelowSafe = true
				_, tombstone, err := sstable.DecodeValue(merged.Value())
				if err != nil {
					return nil, err
				}
				if tombstone && task.DropTombstones {
					keep = false
				}
			}
		}
		if keep {
			if err := out.add(fullKey, merged.Value()); err != nil {
				return nil, err
			}
		}
		if err := merged.Next(); err != nil {
			return nil, err
		}
	}
	infos, err := out.finish()
	if err != nil {
		return nil, err
	}

	res := &Result{
		TaskID:      task.ID,
		GroupID:     task.GroupID,
		OutputSSTs:  infos,
		TargetLevel: task.TargetLevel,
	}
	for _, in := range task.InputSSTs {
		res.RemovedObjects = append(res.RemovedObjects, in.ObjectID)
	}
	return res, nil
}

// outputWriter rolls output SSTs at the target size
type outputWriter struct {
	c    *Compactor
	ctx  context.Context
	task *Task

	builder *sstable.Builder
	written uint64
	infos   []hummock.SstableInfo
}

func (o *outputWriter) add(fullKey, value []byte) error {
	if o.builder == nil {
		objectID, err := o.c.alloc.NextObjectID(o.ctx)
		if err != nil {
			return fmt.Errorf("failed to allocate output object id: %w", err)
		}
		w := sstable.NewBatchWriter(o.c.store.ObjectStore(), objectID)
		o.builder = sstable.NewBuilder(objectID, o.c.blockSize, 4096, w)
		o.written = 0
	}
	if err := o.builder.Add(o.ctx, fullKey, value); err != nil {
		return err
	}
	o.written += uint64(len(fullKey) + len(value))
	if o.task.TargetSSTSize > 0 && o.written >= o.task.TargetSSTSize {
		return o.roll()
	}
	return nil
}

func (o *outputWriter) roll() error {
	if o.builder == nil || o.builder.IsEmpty() {
		return nil
	}
	info, err := o.builder.Finish(o.ctx)
	if err != nil {
		return err
	}
	o.infos = append(o.infos, info)
	o.builder = nil
	return nil
}

func (o *outputWriter) finish() ([]hummock.SstableInfo, error) {
	if err := o.roll(); err != nil {
		return nil, err
	}
	return o.infos, nil
}
