package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/freshet-io/freshet/pkg/hummock"
	"github.com/freshet-io/freshet/pkg/hummock/sstable"
	"github.com/freshet-io/freshet/pkg/log"
	"github.com/freshet-io/freshet/pkg/types"
)

// IDAllocator hands out globally-unique SST object ids. On a real
// cluster this is backed by meta; tests use a LocalIDAllocator.
type IDAllocator interface {
	NextObjectID(ctx context.Context) (uint64, error)
}

// LocalIDAllocator allocates from a process-local counter
type LocalIDAllocator struct {
	next atomic.Uint64
}

func (a *LocalIDAllocator) NextObjectID(context.Context) (uint64, error) {
	return a.next.Add(1), nil
}

// Config sizes a state-store node
type Config struct {
	BlockSize            int
	SharedBufferCapacity int64
	// FillCacheOnFlush warms the local caches with just-built SSTs.
	FillCacheOnFlush bool
}

// Node is the per-compute-node state store: it stages writes of
// uncommitted epochs in a shared buffer, builds and uploads SSTs on sync,
// and serves MVCC reads merging the buffer with the pinned version.
type Node struct {
	sstStore *sstable.Store
	updater  *hummock.VersionUpdater
	limiter  *MemoryLimiter
	alloc    IDAllocator
	cfg      Config
	logger   zerolog.Logger

	mu sync.Mutex
	// mutable memtables by pure epoch
	mutable map[types.Epoch]*memtable
	// nextSpill tracks the next spill offset per pure epoch
	nextSpill map[types.Epoch]uint32
	// sealed batches not yet synced, oldest first
	sealed []*immutable
	// synced batches still needed for read-your-writes until committed
	synced []*immutable
}

// NewNode creates a state-store node
func NewNode(sstStore *sstable.Store, updater *hummock.VersionUpdater, alloc IDAllocator, cfg Config) *Node {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 64 << 10
	}
	if cfg.SharedBufferCapacity <= 0 {
		cfg.SharedBufferCapacity = 64 << 20
	}
	return &Node{
		sstStore:  sstStore,
		updater:   updater,
		limiter:   NewMemoryLimiter(cfg.SharedBufferCapacity),
		alloc:     alloc,
		cfg:       cfg,
		logger:    log.WithComponent("state-store"),
		mutable:   make(map[types.Epoch]*memtable),
		nextSpill: make(map[types.Epoch]uint32),
	}
}

// Updater returns the node's version updater
func (n *Node) Updater() *hummock.VersionUpdater {
	return n.updater
}

// Limiter returns the shared-buffer memory limiter
func (n *Node) Limiter() *MemoryLimiter {
	return n.limiter
}

// Put stages one write at the given epoch. tombstone marks a delete.
func (n *Node) Put(epoch types.Epoch, userKey []byte, value []byte, tombstone bool) error {
	encoded := sstable.EncodeValue(nil, value, tombstone)
	if err := n.limiter.Acquire(int64(len(userKey) + len(encoded))); err != nil {
		return err
	}
	n.mu.Lock()
	mt, ok := n.mutable[epoch.Pure()]
	if !ok {
		mt = newMemtable(epoch)
		n.mutable[epoch.Pure()] = mt
	}
	n.mu.Unlock()
	mt.put(userKey, encoded)
	return nil
}

// SealEpoch freezes the mutable memtable of the epoch. After sealing, no
// more writes for that epoch are accepted; a later Sync uploads the
// batch. Non-checkpoint seals keep the batch buffered until the next
// checkpoint syncs it together with its successors.
func (n *Node) SealEpoch(epoch types.Epoch, _ bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pure := epoch.Pure()
	mt, ok := n.mutable[pure]
	if !ok || mt.isEmpty() {
		delete(n.mutable, pure)
		return
	}
	delete(n.mutable, pure)
	n.sealBatchLocked(mt, pure)
}

func (n *Node) sealBatchLocked(mt *memtable, pure types.Epoch) {
	offset := n.nextSpill[pure]
	n.nextSpill[pure] = offset + 1
	gap, err := pure.WithSpill(offset)
	if err != nil {
		// The 16-bit spill space is exhausted; this epoch cannot accept
		// more flushes and the write path must fail the barrier.
		n.logger.Error().Err(err).Str("epoch", pure.String()).Msg("Spill offset space exhausted")
		gap = pure | types.Epoch(types.MaxSpillOffset)
	}
	n.sealed = append(n.sealed, mt.freeze(gap))
}

// Spill freezes the current mutable memtable of an epoch mid-epoch so
// its memory can be flushed early. Later writes of the same epoch get a
// higher spill offset and mask the spilled ones on read.
func (n *Node) Spill(epoch types.Epoch) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pure := epoch.Pure()
	mt, ok := n.mutable[pure]
	if !ok || mt.isEmpty() {
		return
	}
	delete(n.mutable, pure)
	n.sealBatchLocked(mt, pure)
}

// Sync builds and uploads SSTs for every sealed batch with epoch <= the
// given epoch, returning their descriptors for the barrier ack. Batches
// stay readable locally until the commit is observed.
func (n *Node) Sync(ctx context.Context, epoch types.Epoch) ([]hummock.SstableInfo, error) {
	n.mu.Lock()
	var toSync []*immutable
	var rest []*immutable
	for _, im := range n.sealed {
		if im.epoch <= epoch.Pure() {
			toSync = append(toSync, im)
		} else {
			rest = append(rest, im)
		}
	}
	n.sealed = rest
	n.mu.Unlock()

	var infos []hummock.SstableInfo
	for _, im := range toSync {
		info, err := n.buildSST(ctx, im)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
		n.mu.Lock()
		n.synced = append(n.synced, im)
		n.mu.Unlock()
	}
	return infos, nil
}

func (n *Node) buildSST(ctx context.Context, im *immutable) (hummock.SstableInfo, error) {
	objectID, err := n.alloc.NextObjectID(ctx)
	if err != nil {
		return hummock.SstableInfo{}, fmt.Errorf("failed to allocate object id: %w", err)
	}
	w := sstable.NewBatchWriter(n.sstStore.ObjectStore(), objectID)
	if n.cfg.FillCacheOnFlush {
		w = w.WithCacheFill(n.sstStore.FillCache)
	}
	b := sstable.NewBuilder(objectID, n.cfg.BlockSize, len(im.entries), w)
	for _, e := range im.entries {
		if err := b.Add(ctx, e.Key, e.Value); err != nil {
			return hummock.SstableInfo{}, err
		}
	}
	info, err := b.Finish(ctx)
	if err != nil {
		return hummock.SstableInfo{}, err
	}
	return info, nil
}

// PruneCommitted releases buffer memory for batches whose epoch is now
// covered by the committed version. Called after a version delta lands.
func (n *Node) PruneCommitted() {
	committed := n.updater.Current().MaxCommittedEpoch
	n.mu.Lock()
	defer n.mu.Unlock()
	var keep []*immutable
	for _, im := range n.synced {
		if im.epoch <= committed {
			n.limiter.Release(im.bytes)
		} else {
			keep = append(keep, im)
		}
	}
	n.synced = keep
	for e := range n.nextSpill {
		if e <= committed {
			delete(n.nextSpill, e)
		}
	}
}

// localBatches snapshots the buffer batches visible at readEpoch, newest
// (epoch, spill) first: mutable memtables, then sealed, then
// synced-uncommitted.
func (n *Node) localBatches(readEpoch types.Epoch) []*immutable {
	n.mu.Lock()
	defer n.mu.Unlock()
	var ims []*immutable
	for e, mt := range n.mutable {
		if e > readEpoch.Pure() {
			continue
		}
		// The mutable batch is newer than every sealed spill of its epoch.
		gap, err := e.WithSpill(uint32(n.nextSpill[e]))
		if err != nil {
			gap = e | types.Epoch(types.MaxSpillOffset)
		}
		ims = append(ims, mt.snapshot(gap))
	}
	for _, im := range n.sealed {
		if im.epoch <= readEpoch.Pure() {
			ims = append(ims, im)
		}
	}
	for _, im := range n.synced {
		if im.epoch <= readEpoch.Pure() {
			ims = append(ims, im)
		}
	}
	sort.Slice(ims, func(i, j int) bool { return ims[i].gap > ims[j].gap })
	return ims
}

// Get resolves a point read at readEpoch, honoring read-your-writes for
// uncommitted local data.
func (n *Node) Get(ctx context.Context, userKey []byte, readEpoch types.Epoch) ([]byte, bool, error) {
	ims := n.localBatches(readEpoch)
	for _, im := range ims {
		if v, ok := im.get(userKey); ok {
			value, tombstone, err := sstable.DecodeValue(v)
			if err != nil {
				return nil, false, err
			}
			return value, !tombstone, nil
		}
	}
	return n.getFromVersion(ctx, userKey, readEpoch)
}

func (n *Node) getFromVersion(ctx context.Context, userKey []byte, readEpoch types.Epoch) ([]byte, bool, error) {
	pin := n.updater.Pin()
	defer pin.Release()

	uk, err := hummock.DecodeUserKey(userKey)
	if err != nil {
		return nil, false, err
	}
	var result []byte
	var found bool
	var best []byte
	err = n.forEachOverlappingSST(ctx, pin.Version(), uk.TableID, userKey, func(sst *sstable.Sstable) (stop bool, err error) {
		if !sst.Meta.Bloom.MayContain(userKey) {
			return false, nil
		}
		it := sstable.NewSstIterator(ctx, n.sstStore, sst, sstable.CacheFill)
		target := encodeFullKeyFromUser(userKey, readEpoch|types.Epoch(types.MaxSpillOffset))
		if err := it.Seek(target); err != nil {
			return false, err
		}
		if !it.Valid() {
			return false, nil
		}
		if hummock.CompareUserKey(hummock.UserKeyOf(it.Key()), userKey) != 0 {
			return false, nil
		}
		// One sub-level can hold several spills of the same epoch, so
		// keep scanning and keep the newest version seen.
		if best != nil && hummock.CompareFullKey(it.Key(), best) >= 0 {
			return false, nil
		}
		best = append(best[:0], it.Key()...)
		value, tombstone, err := sstable.DecodeValue(it.Value())
		if err != nil {
			return false, err
		}
		found = !tombstone
		result = value
		return false, nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, found, nil
}

// forEachOverlappingSST visits SSTs newest-first: L0 sub-levels in order,
// then deeper levels.
func (n *Node) forEachOverlappingSST(ctx context.Context, v *hummock.Version, tableID uint32, userKey []byte, fn func(*sstable.Sstable) (bool, error)) error {
	for _, ls := range v.Groups {
		for _, sub := range ls.L0 {
			for i := range sub.SSTs {
				info := &sub.SSTs[i]
				if !info.ContainsTable(tableID) || !info.KeyRange.Contains(userKey) {
					continue
				}
				sst, err := n.sstStore.OpenSstable(ctx, info)
				if err != nil {
					return err
				}
				stop, err := fn(sst)
				if err != nil || stop {
					return err
				}
			}
		}
		for _, lvl := range ls.Levels {
			for i := range lvl.SSTs {
				info := &lvl.SSTs[i]
				if !info.ContainsTable(tableID) || !info.KeyRange.Contains(userKey) {
					continue
				}
				sst, err := n.sstStore.OpenSstable(ctx, info)
				if err != nil {
					return err
				}
				stop, err := fn(sst)
				if err != nil || stop {
					return err
				}
			}
		}
	}
	return nil
}

// Iter returns an MVCC iterator over every user key with the given
// prefix, at readEpoch. Release must be called when done.
func (n *Node) Iter(ctx context.Context, prefix []byte, readEpoch types.Epoch) (*sstable.UserIterator, func(), error) {
	ims := n.localBatches(readEpoch)

	var children []sstable.Iterator
	for _, im := range ims {
		children = append(children, im.iterator())
	}

	pin := n.updater.Pin()
	release := func() { pin.Release() }

	tableID := tableIDOfPrefix(prefix)
	v := pin.Version()
	for _, ls := range v.Groups {
		for _, sub := range ls.L0 {
			for i := range sub.SSTs {
				info := &sub.SSTs[i]
				if !info.ContainsTable(tableID) || !rangeOverlapsPrefix(info.KeyRange, prefix) {
					continue
				}
				sst, err := n.sstStore.OpenSstable(ctx, info)
				if err != nil {
					release()
					return nil, nil, err
				}
				children = append(children, sstable.NewSstIterator(ctx, n.sstStore, sst, sstable.CacheFill))
			}
		}
		for _, lvl := range ls.Levels {
			for i := range lvl.SSTs {
				info := &lvl.SSTs[i]
				if !info.ContainsTable(tableID) || !rangeOverlapsPrefix(info.KeyRange, prefix) {
					continue
				}
				sst, err := n.sstStore.OpenSstable(ctx, info)
				if err != nil {
					release()
					return nil, nil, err
				}
				children = append(children, sstable.NewSstIterator(ctx, n.sstStore, sst, sstable.CacheFill))
			}
		}
	}

	merge := sstable.NewMergeIterator(children)
	user := sstable.NewUserIterator(merge, readEpoch, prefix)
	if err := user.SeekToFirst(); err != nil {
		release()
		return nil, nil, err
	}
	return user, release, nil
}

func tableIDOfPrefix(prefix []byte) uint32 {
	if len(prefix) < 4 {
		return 0
	}
	return uint32(prefix[0])<<24 | uint32(prefix[1])<<16 | uint32(prefix[2])<<8 | uint32(prefix[3])
}

func rangeOverlapsPrefix(r hummock.KeyRange, prefix []byte) bool {
	if len(prefix) == 0 {
		return true
	}
	// The range overlaps [prefix, prefix+1).
	if bytes.Compare(r.Right, prefix) < 0 {
		return false
	}
	upper := prefixUpperBound(prefix)
	return upper == nil || bytes.Compare(r.Left, upper) < 0
}

func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
