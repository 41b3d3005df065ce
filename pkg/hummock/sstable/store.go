package sstable

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/freshet-io/freshet/pkg/hummock"
	"github.com/freshet-io/freshet/pkg/metrics"
	"github.com/freshet-io/freshet/pkg/objstore"
)

// CachePolicy controls cache admission for a read
type CachePolicy uint8

const (
	// CacheDisable bypasses the caches entirely
	CacheDisable CachePolicy = iota
	// CacheFill admits fetched blocks at normal priority
	CacheFill
	// CacheFillHigh admits fetched blocks at high priority
	CacheFillHigh
	// CacheNotFill reads through the caches but does not admit
	CacheNotFill
)

// StoreConfig sizes the SstableStore
type StoreConfig struct {
	BlockCacheCapacity int64
	MetaCacheCapacity  int64
	// DiskCachePath enables the on-disk block cache tier when non-empty.
	DiskCachePath string
	// PrefetchBufferCapacity bounds bytes held by in-flight prefetches.
	PrefetchBufferCapacity int64
	// MaxPrefetchBlocks caps how far ahead one read fetches.
	MaxPrefetchBlocks int
}

// Store reads and writes SST objects with a hybrid (memory + disk) cache
// in front of object storage.
type Store struct {
	objStore objstore.ObjectStore

	blockCache *lruCache
	metaCache  *lruCache

	diskMu sync.Mutex
	disk   *bolt.DB

	recent *recentFilter

	prefetchMu    sync.Mutex
	prefetchBytes int64
	prefetchCap   int64
	maxPrefetch   int
}

var diskBucketBlocks = []byte("blocks")

// NewStore creates an SstableStore
func NewStore(objStore objstore.ObjectStore, cfg StoreConfig) (*Store, error) {
	s := &Store{
		objStore:    objStore,
		blockCache:  newLRUCache(cfg.BlockCacheCapacity),
		metaCache:   newLRUCache(cfg.MetaCacheCapacity),
		recent:      newRecentFilter(1 << 16),
		prefetchCap: cfg.PrefetchBufferCapacity,
		maxPrefetch: cfg.MaxPrefetchBlocks,
	}
	if s.maxPrefetch <= 0 {
		s.maxPrefetch = 16
	}
	if cfg.DiskCachePath != "" {
		db, err := bolt.Open(filepath.Clean(cfg.DiskCachePath), 0o600, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open disk cache: %w", err)
		}
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(diskBucketBlocks)
			return err
		})
		if err != nil {
			db.Close()
			return nil, err
		}
		s.disk = db
	}
	return s, nil
}

// Close releases the disk cache
func (s *Store) Close() error {
	if s.disk != nil {
		return s.disk.Close()
	}
	return nil
}

// ObjectStore exposes the underlying store (compactor, backup)
func (s *Store) ObjectStore() objstore.ObjectStore {
	return s.objStore
}

func blockCacheKey(objectID uint64, blockIdx int) uint64 {
	return objectID<<16 | uint64(uint16(blockIdx))
}

func diskKey(objectID uint64, blockIdx int) []byte {
	var k [12]byte
	binary.BigEndian.PutUint64(k[0:8], objectID)
	binary.BigEndian.PutUint32(k[8:12], uint32(blockIdx))
	return k[:]
}

// OpenSstable loads the parsed meta of an SST, through the meta cache
func (s *Store) OpenSstable(ctx context.Context, info *hummock.SstableInfo) (*Sstable, error) {
	if v, ok := s.metaCache.Get(info.ObjectID); ok {
		metrics.BlockCacheHits.WithLabelValues("meta", "hit").Inc()
		return v.(*Sstable), nil
	}
	metrics.BlockCacheHits.WithLabelValues("meta", "miss").Inc()

	path := objstore.ObjectPath(info.ObjectID)
	// Read the trailer first, then exactly the meta bytes.
	if info.FileSize < trailerSize {
		return nil, fmt.Errorf("sst %d: file size %d too small", info.ObjectID, info.FileSize)
	}
	tailLen := int64(trailerSize)
	trailer, err := s.objStore.GetRange(ctx, path, int64(info.FileSize)-tailLen, tailLen)
	if err != nil {
		return nil, fmt.Errorf("failed to read sst trailer: %w", err)
	}
	if binary.LittleEndian.Uint32(trailer[4:8]) != sstMagic {
		return nil, fmt.Errorf("sst %d: bad magic", info.ObjectID)
	}
	metaLen := int64(binary.LittleEndian.Uint32(trailer[0:4]))
	metaBytes, err := s.objStore.GetRange(ctx, path, int64(info.FileSize)-tailLen-metaLen, metaLen)
	if err != nil {
		return nil, fmt.Errorf("failed to read sst meta: %w", err)
	}
	meta, err := unmarshalMeta(metaBytes)
	if err != nil {
		return nil, err
	}
	sst := &Sstable{ObjectID: info.ObjectID, Meta: meta}
	s.metaCache.Put(info.ObjectID, sst, metaLen, true)
	return sst, nil
}

// ReadBlock returns one block, consulting the memory cache, then the disk
// tier, then object storage.
func (s *Store) ReadBlock(ctx context.Context, sst *Sstable, blockIdx int, policy CachePolicy) (*Block, error) {
	if blockIdx < 0 || blockIdx >= len(sst.Meta.BlockMetas) {
		return nil, fmt.Errorf("block index %d out of range for sst %d", blockIdx, sst.ObjectID)
	}
	key := blockCacheKey(sst.ObjectID, blockIdx)
	if policy != CacheDisable {
		if v, ok := s.blockCache.Get(key); ok {
			metrics.BlockCacheHits.WithLabelValues("memory", "hit").Inc()
			s.recent.Record(sst.ObjectID, blockIdx)
			return v.(*Block), nil
		}
		metrics.BlockCacheHits.WithLabelValues("memory", "miss").Inc()
		if blk := s.readDisk(sst.ObjectID, blockIdx); blk != nil {
			metrics.BlockCacheHits.WithLabelValues("disk", "hit").Inc()
			s.admit(sst.ObjectID, blockIdx, blk, policy)
			s.recent.Record(sst.ObjectID, blockIdx)
			return blk, nil
		}
		metrics.BlockCacheHits.WithLabelValues("disk", "miss").Inc()
	}

	bm := sst.Meta.BlockMetas[blockIdx]
	data, err := s.objStore.GetRange(ctx, objstore.ObjectPath(sst.ObjectID), int64(bm.Offset), int64(bm.Len))
	if err != nil {
		return nil, fmt.Errorf("failed to read block %d of sst %d: %w", blockIdx, sst.ObjectID, err)
	}
	blk := NewBlock(data)
	s.admit(sst.ObjectID, blockIdx, blk, policy)
	s.recent.Record(sst.ObjectID, blockIdx)
	return blk, nil
}

func (s *Store) admit(objectID uint64, blockIdx int, blk *Block, policy CachePolicy) {
	switch policy {
	case CacheFill, CacheFillHigh:
		s.blockCache.Put(blockCacheKey(objectID, blockIdx), blk, int64(blk.Size()), policy == CacheFillHigh)
		s.writeDisk(objectID, blockIdx, blk.Data())
	case CacheNotFill, CacheDisable:
	}
}

func (s *Store) readDisk(objectID uint64, blockIdx int) *Block {
	if s.disk == nil {
		return nil
	}
	var data []byte
	s.disk.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(diskBucketBlocks).Get(diskKey(objectID, blockIdx)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if data == nil {
		return nil
	}
	return NewBlock(data)
}

func (s *Store) writeDisk(objectID uint64, blockIdx int, data []byte) {
	if s.disk == nil {
		return
	}
	s.diskMu.Lock()
	defer s.diskMu.Unlock()
	s.disk.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(diskBucketBlocks).Put(diskKey(objectID, blockIdx), data)
	})
}

// Prefetch pulls up to maxPrefetch blocks after startIdx into the cache
// when the recent filter suggests the iterator will keep consuming. It is
// best-effort and bounded by the prefetch buffer capacity.
func (s *Store) Prefetch(ctx context.Context, sst *Sstable, startIdx int, policy CachePolicy) {
	if policy == CacheDisable || policy == CacheNotFill {
		return
	}
	if !s.recent.Seen(sst.ObjectID, startIdx-1) && !s.recent.Seen(sst.ObjectID, startIdx) {
		return
	}
	end := startIdx + s.maxPrefetch
	if end > len(sst.Meta.BlockMetas) {
		end = len(sst.Meta.BlockMetas)
	}
	if end <= startIdx {
		return
	}
	first := sst.Meta.BlockMetas[startIdx]
	last := sst.Meta.BlockMetas[end-1]
	span := int64(last.Offset+last.Len) - int64(first.Offset)

	s.prefetchMu.Lock()
	if s.prefetchCap > 0 && s.prefetchBytes+span > s.prefetchCap {
		s.prefetchMu.Unlock()
		return
	}
	s.prefetchBytes += span
	s.prefetchMu.Unlock()
	defer func() {
		s.prefetchMu.Lock()
		s.prefetchBytes -= span
		s.prefetchMu.Unlock()
	}()

	data, err := s.objStore.GetRange(ctx, objstore.ObjectPath(sst.ObjectID), int64(first.Offset), span)
	if err != nil {
		return
	}
	for i := startIdx; i < end; i++ {
		bm := sst.Meta.BlockMetas[i]
		off := int64(bm.Offset) - int64(first.Offset)
		blk := NewBlock(append([]byte(nil), data[off:off+int64(bm.Len)]...))
		s.admit(sst.ObjectID, i, blk, policy)
	}
}

// FillCache parses a just-uploaded object and warms both cache tiers, so
// a node reading its own flushes never goes to object storage.
func (s *Store) FillCache(objectID uint64, data []byte) {
	meta, err := ParseMeta(data)
	if err != nil {
		return
	}
	sst := &Sstable{ObjectID: objectID, Meta: meta}
	s.metaCache.Put(objectID, sst, int64(len(data))/8+1, true)
	for i, bm := range meta.BlockMetas {
		blk := NewBlock(append([]byte(nil), data[bm.Offset:bm.Offset+bm.Len]...))
		s.admit(objectID, i, blk, CacheFill)
	}
}

// DeleteCache drops all cached state of an object (GC path)
func (s *Store) DeleteCache(objectID uint64, blockCount int) {
	s.metaCache.Remove(objectID)
	for i := 0; i < blockCount; i++ {
		s.blockCache.Remove(blockCacheKey(objectID, i))
	}
	if s.disk != nil {
		s.diskMu.Lock()
		defer s.diskMu.Unlock()
		s.disk.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(diskBucketBlocks)
			for i := 0; i < blockCount; i++ {
				if err := b.Delete(diskKey(objectID, i)); err != nil {
					return err
				}
			}
			return nil
		})
	}
}

// recentFilter remembers recently-accessed (object, block) pairs to steer
// prefetch decisions. Two generations rotate so entries age out.
type recentFilter struct {
	mu       sync.Mutex
	capacity int
	current  map[uint64]struct{}
	previous map[uint64]struct{}
}

func newRecentFilter(capacity int) *recentFilter {
	return &recentFilter{
		capacity: capacity,
		current:  make(map[uint64]struct{}),
		previous: make(map[uint64]struct{}),
	}
}

// Record notes an access
func (f *recentFilter) Record(objectID uint64, blockIdx int) {
	key := blockCacheKey(objectID, blockIdx)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current[key] = struct{}{}
	if len(f.current) >= f.capacity {
		f.previous = f.current
		f.current = make(map[uint64]struct{})
	}
}

// Seen reports whether the pair was accessed recently
func (f *recentFilter) Seen(objectID uint64, blockIdx int) bool {
	if blockIdx < 0 {
		return false
	}
	key := blockCacheKey(objectID, blockIdx)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.current[key]; ok {
		return true
	}
	_, ok := f.previous[key]
	return ok
}
