package sstable

import (
	"bytes"
	"container/heap"
	"context"
	"fmt"

	"github.com/freshet-io/freshet/pkg/hummock"
	"github.com/freshet-io/freshet/pkg/types"
)

// Iterator walks encoded full-key/value entries in full-key order
type Iterator interface {
	// Valid reports whether the iterator is positioned on an entry
	Valid() bool
	// Key returns the current encoded full key
	Key() []byte
	// Value returns the current encoded value
	Value() []byte
	// Next advances; the iterator becomes invalid at the end
	Next() error
	// SeekToFirst positions on the first entry
	SeekToFirst() error
	// Seek positions on the first entry with key >= target
	Seek(target []byte) error
}

// SstIterator iterates one SST through the block cache
type SstIterator struct {
	ctx    context.Context
	store  *Store
	sst    *Sstable
	policy CachePolicy

	blockIdx  int
	blockIter *BlockIterator
	valid     bool
}

// NewSstIterator creates an iterator over sst
func NewSstIterator(ctx context.Context, store *Store, sst *Sstable, policy CachePolicy) *SstIterator {
	return &SstIterator{ctx: ctx, store: store, sst: sst, policy: policy, blockIdx: -1}
}

func (it *SstIterator) loadBlock(idx int) error {
	if idx >= len(it.sst.Meta.BlockMetas) {
		it.valid = false
		it.blockIter = nil
		return nil
	}
	blk, err := it.store.ReadBlock(it.ctx, it.sst, idx, it.policy)
	if err != nil {
		return err
	}
	// Reads that walk past one block are sequential scans; let the store
	// decide whether to fetch ahead.
	it.store.Prefetch(it.ctx, it.sst, idx+1, it.policy)
	it.blockIdx = idx
	it.blockIter = NewBlockIterator(blk)
	return nil
}

func (it *SstIterator) SeekToFirst() error {
	if err := it.loadBlock(0); err != nil {
		return err
	}
	return it.advanceWithinOrNextBlock()
}

func (it *SstIterator) Seek(target []byte) error {
	idx := it.sst.FindBlock(target)
	if idx < 0 {
		idx = 0
	}
	if err := it.loadBlock(idx); err != nil {
		return err
	}
	for it.blockIter != nil {
		for it.blockIter.Next() {
			if hummock.CompareFullKey(it.blockIter.Key(), target) >= 0 {
				it.valid = true
				return nil
			}
		}
		if err := it.blockIter.Err(); err != nil {
			return err
		}
		if err := it.loadBlock(it.blockIdx + 1); err != nil {
			return err
		}
	}
	it.valid = false
	return nil
}

func (it *SstIterator) advanceWithinOrNextBlock() error {
	for it.blockIter != nil {
		if it.blockIter.Next() {
			it.valid = true
			return nil
		}
		if err := it.blockIter.Err(); err != nil {
			return err
		}
		if err := it.loadBlock(it.blockIdx + 1); err != nil {
			return err
		}
	}
	it.valid = false
	return nil
}

func (it *SstIterator) Next() error {
	return it.advanceWithinOrNextBlock()
}

func (it *SstIterator) Valid() bool {
	return it.valid
}

func (it *SstIterator) Key() []byte {
	return it.blockIter.Key()
}

func (it *SstIterator) Value() []byte {
	return it.blockIter.Value()
}

// Entry is an in-memory full-key/value pair
type Entry struct {
	Key   []byte
	Value []byte
}

// SliceIterator iterates a sorted in-memory slice of entries
type SliceIterator struct {
	entries []Entry
	pos     int
}

// NewSliceIterator wraps entries, which must be sorted by full key
func NewSliceIterator(entries []Entry) *SliceIterator {
	return &SliceIterator{entries: entries, pos: -1}
}

func (it *SliceIterator) SeekToFirst() error {
	it.pos = 0
	return nil
}

func (it *SliceIterator) Seek(target []byte) error {
	lo, hi := 0, len(it.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if hummock.CompareFullKey(it.entries[mid].Key, target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	it.pos = lo
	return nil
}

func (it *SliceIterator) Next() error {
	it.pos++
	return nil
}

func (it *SliceIterator) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.entries)
}

func (it *SliceIterator) Key() []byte {
	return it.entries[it.pos].Key
}

func (it *SliceIterator) Value() []byte {
	return it.entries[it.pos].Value
}

// MergeIterator merges children in full-key order. On an exact full-key
// tie the child with the smaller index wins, so callers order children
// newest-first.
type MergeIterator struct {
	children []Iterator
	h        mergeHeap
	valid    bool
}

type mergeItem struct {
	it  Iterator
	idx int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := hummock.CompareFullKey(h[i].it.Key(), h[j].it.Key())
	if c != 0 {
		return c < 0
	}
	return h[i].idx < h[j].idx
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() any          { old := *h; n := len(old); x := old[n-1]; *h = old[:n-1]; return x }

// NewMergeIterator merges children; order them newest source first
func NewMergeIterator(children []Iterator) *MergeIterator {
	return &MergeIterator{children: children}
}

func (m *MergeIterator) init() {
	m.h = m.h[:0]
	for i, c := range m.children {
		if c.Valid() {
			m.h = append(m.h, mergeItem{it: c, idx: i})
		}
	}
	heap.Init(&m.h)
	m.valid = len(m.h) > 0
}

func (m *MergeIterator) SeekToFirst() error {
	for _, c := range m.children {
		if err := c.SeekToFirst(); err != nil {
			return err
		}
	}
	m.init()
	return nil
}

func (m *MergeIterator) Seek(target []byte) error {
	for _, c := range m.children {
		if err := c.Seek(target); err != nil {
			return err
		}
	}
	m.init()
	return nil
}

func (m *MergeIterator) Next() error {
	if !m.valid {
		return fmt.Errorf("next on invalid merge iterator")
	}
	top := m.h[0]
	if err := top.it.Next(); err != nil {
		return err
	}
	if top.it.Valid() {
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
	m.valid = len(m.h) > 0
	return nil
}

func (m *MergeIterator) Valid() bool {
	return m.valid
}

func (m *MergeIterator) Key() []byte {
	return m.h[0].it.Key()
}

func (m *MergeIterator) Value() []byte {
	return m.h[0].it.Value()
}

// UserIterator resolves MVCC on top of a merged full-key iterator: for
// each user key it yields the newest version visible at the read epoch
// and masks older versions and tombstones.
type UserIterator struct {
	inner     Iterator
	readEpoch types.Epoch
	// prefix, when non-empty, bounds the scan to keys with this prefix.
	prefix []byte

	key   []byte
	value []byte
	valid bool
}

// NewUserIterator wraps inner for reads at the given epoch
func NewUserIterator(inner Iterator, readEpoch types.Epoch, prefix []byte) *UserIterator {
	return &UserIterator{inner: inner, readEpoch: readEpoch, prefix: prefix}
}

// seekKey pads a user-key prefix with the suffix that sorts before any
// real full key sharing it, so Seek targets are always full-key-shaped.
func seekKey(userPrefix []byte) []byte {
	return append(append([]byte(nil), userPrefix...), 0, 0, 0, 0, 0, 0, 0, 0)
}

// SeekToFirst positions on the first visible user key
func (u *UserIterator) SeekToFirst() error {
	if len(u.prefix) > 0 {
		if err := u.inner.Seek(seekKey(u.prefix)); err != nil {
			return err
		}
	} else if err := u.inner.SeekToFirst(); err != nil {
		return err
	}
	return u.settle(nil)
}

// Seek positions on the first visible user key >= the encoded user key
func (u *UserIterator) Seek(userKey []byte) error {
	if err := u.inner.Seek(seekKey(userKey)); err != nil {
		return err
	}
	return u.settle(nil)
}

// Next advances to the next visible user key
func (u *UserIterator) Next() error {
	return u.settle(u.key)
}

// settle scans forward until it finds a user key != skipUserKey whose
// newest visible version is a put.
func (u *UserIterator) settle(skipUserKey []byte) error {
	u.valid = false
	var lastUserKey []byte
	if skipUserKey != nil {
		lastUserKey = append([]byte(nil), skipUserKey...)
	}
	for u.inner.Valid() {
		fullKey := u.inner.Key()
		userKey := hummock.UserKeyOf(fullKey)
		if len(u.prefix) > 0 && !bytes.HasPrefix(userKey, u.prefix) {
			return nil
		}
		epoch := hummock.EpochOf(fullKey)
		if lastUserKey != nil && hummock.CompareUserKey(userKey, lastUserKey) == 0 {
			// Older version of a user key we already resolved.
			if err := u.inner.Next(); err != nil {
				return err
			}
			continue
		}
		if epoch.Pure() > u.readEpoch.Pure() {
			// Too new for this snapshot; try older versions of this key.
			if err := u.inner.Next(); err != nil {
				return err
			}
			continue
		}
		// Newest visible version of this user key.
		lastUserKey = append(lastUserKey[:0], userKey...)
		value, tombstone, err := DecodeValue(u.inner.Value())
		if err != nil {
			return err
		}
		if tombstone {
			if err := u.inner.Next(); err != nil {
				return err
			}
			continue
		}
		u.key = append(u.key[:0], userKey...)
		u.value = append(u.value[:0], value...)
		u.valid = true
		// Step inner past the current entry; the next call skips the
		// remaining versions of this user key.
		if err := u.inner.Next(); err != nil {
			return err
		}
		return nil
	}
	return nil
}

// Valid reports whether the iterator holds an entry
func (u *UserIterator) Valid() bool {
	return u.valid
}

// Key returns the current encoded user key
func (u *UserIterator) Key() []byte {
	return u.key
}

// Value returns the current value payload
func (u *UserIterator) Value() []byte {
	return u.value
}
