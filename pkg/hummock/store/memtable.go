package store

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/freshet-io/freshet/pkg/hummock"
	"github.com/freshet-io/freshet/pkg/hummock/sstable"
	"github.com/freshet-io/freshet/pkg/types"
)

// writeEntry is one staged write: an encoded user key and its encoded
// value (put or tombstone).
type writeEntry struct {
	userKey string
	value   []byte
}

// memtable stages the writes of one epoch before they are sealed. Within
// an epoch later writes to the same user key overwrite earlier ones,
// which is exactly program order per actor: distinct actors own disjoint
// vnodes, so two writers never race on one key.
type memtable struct {
	mu      sync.RWMutex
	epoch   types.Epoch // pure epoch
	entries map[string][]byte
	bytes   int64
}

func newMemtable(epoch types.Epoch) *memtable {
	return &memtable{epoch: epoch.Pure(), entries: make(map[string][]byte)}
}

func (m *memtable) put(userKey, value []byte) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(userKey)
	delta := int64(len(value))
	if old, ok := m.entries[k]; ok {
		delta -= int64(len(old))
	} else {
		delta += int64(len(k))
	}
	m.entries[k] = value
	m.bytes += delta
	return delta
}

func (m *memtable) get(userKey []byte) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[string(userKey)]
	return v, ok
}

func (m *memtable) isEmpty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries) == 0
}

// snapshot copies the memtable into an immutable batch for reading,
// leaving the memtable writable.
func (m *memtable) snapshot(epochWithGap types.Epoch) *immutable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]sstable.Entry, 0, len(m.entries))
	for k, v := range m.entries {
		entries = append(entries, sstable.Entry{Key: encodeFullKeyFromUser([]byte(k), epochWithGap), Value: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		return hummock.CompareFullKey(entries[i].Key, entries[j].Key) < 0
	})
	return &immutable{epoch: m.epoch, gap: epochWithGap, entries: entries, bytes: m.bytes}
}

// freeze converts the memtable into an immutable batch at the given
// epoch-with-gap. The memtable must not be written afterwards.
func (m *memtable) freeze(epochWithGap types.Epoch) *immutable {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]sstable.Entry, 0, len(m.entries))
	for k, v := range m.entries {
		entries = append(entries, sstable.Entry{Key: encodeFullKeyFromUser([]byte(k), epochWithGap), Value: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		return hummock.CompareFullKey(entries[i].Key, entries[j].Key) < 0
	})
	return &immutable{
		epoch:   m.epoch,
		gap:     epochWithGap,
		entries: entries,
		bytes:   m.bytes,
	}
}

func encodeFullKeyFromUser(userKey []byte, epochWithGap types.Epoch) []byte {
	buf := make([]byte, 0, len(userKey)+8)
	buf = append(buf, userKey...)
	var suffix [8]byte
	binary.BigEndian.PutUint64(suffix[:], ^uint64(epochWithGap))
	return append(buf, suffix[:]...)
}

// immutable is a sealed, sorted batch awaiting sync. It stays readable
// until its SSTs are committed and the local reader switches to the new
// version.
type immutable struct {
	epoch   types.Epoch // pure epoch
	gap     types.Epoch // epoch with spill offset
	entries []sstable.Entry
	bytes   int64
}

// get returns the newest value for userKey in this batch
func (im *immutable) get(userKey []byte) ([]byte, bool) {
	target := encodeFullKeyFromUser(userKey, im.gap)
	i := sort.Search(len(im.entries), func(i int) bool {
		return hummock.CompareFullKey(im.entries[i].Key, target) >= 0
	})
	if i < len(im.entries) && hummock.CompareUserKey(hummock.UserKeyOf(im.entries[i].Key), userKey) == 0 {
		return im.entries[i].Value, true
	}
	return nil, false
}

func (im *immutable) iterator() *sstable.SliceIterator {
	return sstable.NewSliceIterator(im.entries)
}
