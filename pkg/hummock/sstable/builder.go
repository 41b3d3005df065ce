package sstable

import (
	"context"
	"fmt"
	"time"

	"github.com/freshet-io/freshet/pkg/hummock"
	"github.com/freshet-io/freshet/pkg/metrics"
	"github.com/freshet-io/freshet/pkg/objstore"
)

// Builder assembles one SST from full keys arriving in ascending order
type Builder struct {
	objectID   uint64
	blockSize  int
	writer     Writer

	current    *BlockBuilder
	blockMetas []BlockMeta
	bloom      *BloomFilter

	smallest []byte
	largest  []byte
	lastKey  []byte
	keyCount uint64
	offset   uint32
	tableIDs map[uint32]struct{}
	uncompressed uint64
}

// Writer receives finished blocks, either buffering the whole object or
// streaming parts as they fill.
type Writer interface {
	WriteBlock(ctx context.Context, data []byte) error
	// Finish receives the footer bytes and publishes the object.
	Finish(ctx context.Context, footer []byte) (size uint64, err error)
}

// NewBuilder starts an SST for the given object id. expectedKeys sizes
// the bloom filter.
func NewBuilder(objectID uint64, blockSize, expectedKeys int, w Writer) *Builder {
	return &Builder{
		objectID:  objectID,
		blockSize: blockSize,
		writer:    w,
		current:   NewBlockBuilder(),
		bloom:     NewBloomFilter(expectedKeys),
		tableIDs:  make(map[uint32]struct{}),
	}
}

// Add appends one entry. Keys must be ascending encoded full keys.
func (b *Builder) Add(ctx context.Context, fullKey, value []byte) error {
	if b.lastKey != nil && hummock.CompareFullKey(b.lastKey, fullKey) >= 0 {
		return fmt.Errorf("keys out of order in sst builder")
	}
	b.lastKey = append(b.lastKey[:0], fullKey...)

	userKey := hummock.UserKeyOf(fullKey)
	b.bloom.Add(userKey)
	if b.smallest == nil {
		b.smallest = append([]byte(nil), userKey...)
	}
	b.largest = append(b.largest[:0], userKey...)
	fk, err := hummock.DecodeFullKey(fullKey)
	if err != nil {
		return err
	}
	b.tableIDs[fk.TableID] = struct{}{}

	b.current.Add(fullKey, value)
	b.keyCount++
	b.uncompressed += uint64(len(fullKey) + len(value))

	if b.current.Size() >= b.blockSize {
		return b.flushBlock(ctx)
	}
	return nil
}

func (b *Builder) flushBlock(ctx context.Context) error {
	if b.current.Count() == 0 {
		return nil
	}
	firstKey := append([]byte(nil), b.current.FirstKey()...)
	blk := b.current.Finish()
	if err := b.writer.WriteBlock(ctx, blk.Data()); err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}
	b.blockMetas = append(b.blockMetas, BlockMeta{
		Offset:   b.offset,
		Len:      uint32(blk.Size()),
		FirstKey: firstKey,
	})
	b.offset += uint32(blk.Size())
	return nil
}

// IsEmpty reports whether nothing was added
func (b *Builder) IsEmpty() bool {
	return b.keyCount == 0
}

// Finish seals the SST and returns its descriptor
func (b *Builder) Finish(ctx context.Context) (hummock.SstableInfo, error) {
	if err := b.flushBlock(ctx); err != nil {
		return hummock.SstableInfo{}, err
	}
	meta := &Meta{
		BlockMetas:       b.blockMetas,
		Bloom:            b.bloom,
		SmallestKey:      b.smallest,
		LargestKey:       b.largest,
		KeyCount:         b.keyCount,
		UncompressedSize: b.uncompressed,
	}
	for id := range b.tableIDs {
		meta.TableIDs = append(meta.TableIDs, id)
	}
	footer := appendFooter(nil, meta)
	size, err := b.writer.Finish(ctx, footer)
	if err != nil {
		return hummock.SstableInfo{}, fmt.Errorf("failed to finish sst: %w", err)
	}
	return hummock.SstableInfo{
		ObjectID:         b.objectID,
		KeyRange:         hummock.KeyRange{Left: b.smallest, Right: b.largest},
		FileSize:         size,
		TableIDs:         meta.TableIDs,
		UncompressedSize: b.uncompressed,
		TotalKeyCount:    b.keyCount,
	}, nil
}

// BatchWriter accumulates the whole object in memory and uploads once on
// Finish. Used when the object store has no multipart support or the SST
// is small.
type BatchWriter struct {
	store    objstore.ObjectStore
	objectID uint64
	buf      []byte
	// fillCache, when set, hands the finished object to the cache filler.
	fillCache func(objectID uint64, data []byte)
}

// NewBatchWriter creates a batch writer for the object
func NewBatchWriter(store objstore.ObjectStore, objectID uint64) *BatchWriter {
	return &BatchWriter{store: store, objectID: objectID}
}

// WithCacheFill registers a callback to warm local caches on upload
func (w *BatchWriter) WithCacheFill(fn func(objectID uint64, data []byte)) *BatchWriter {
	w.fillCache = fn
	return w
}

func (w *BatchWriter) WriteBlock(_ context.Context, data []byte) error {
	w.buf = append(w.buf, data...)
	return nil
}

func (w *BatchWriter) Finish(ctx context.Context, footer []byte) (uint64, error) {
	w.buf = append(w.buf, footer...)
	start := time.Now()
	if err := w.store.Put(ctx, objstore.ObjectPath(w.objectID), w.buf); err != nil {
		return 0, err
	}
	metrics.SstablesUploaded.Inc()
	metrics.SstableUploadDuration.Observe(time.Since(start).Seconds())
	if w.fillCache != nil {
		w.fillCache(w.objectID, w.buf)
	}
	return uint64(len(w.buf)), nil
}

// StreamingWriter uploads parts as staging objects while the builder is
// still producing. Finish reads the staged parts back, concatenates them
// in memory into the final object, uploads it and deletes the parts.
type StreamingWriter struct {
	store    objstore.ObjectStore
	objectID uint64
	partSize int
	part     []byte
	partIdx  int
	parts    []string
	size     uint64
}

// NewStreamingWriter creates a streaming writer with the given part size
func NewStreamingWriter(store objstore.ObjectStore, objectID uint64, partSize int) *StreamingWriter {
	return &StreamingWriter{store: store, objectID: objectID, partSize: partSize}
}

func (w *StreamingWriter) partPath(idx int) string {
	return fmt.Sprintf("%s.part.%d", objstore.ObjectPath(w.objectID), idx)
}

func (w *StreamingWriter) WriteBlock(ctx context.Context, data []byte) error {
	w.part = append(w.part, data...)
	w.size += uint64(len(data))
	if len(w.part) >= w.partSize {
		return w.flushPart(ctx)
	}
	return nil
}

func (w *StreamingWriter) flushPart(ctx context.Context) error {
	if len(w.part) == 0 {
		return nil
	}
	path := w.partPath(w.partIdx)
	if err := w.store.Put(ctx, path, w.part); err != nil {
		return fmt.Errorf("failed to upload part %d: %w", w.partIdx, err)
	}
	w.parts = append(w.parts, path)
	w.part = nil
	w.partIdx++
	return nil
}

func (w *StreamingWriter) Finish(ctx context.Context, footer []byte) (uint64, error) {
	w.part = append(w.part, footer...)
	w.size += uint64(len(footer))
	if err := w.flushPart(ctx); err != nil {
		return 0, err
	}
	// Concatenate the staged parts into the final object and drop them.
	var final []byte
	for _, p := range w.parts {
		data, err := w.store.Get(ctx, p)
		if err != nil {
			return 0, fmt.Errorf("failed to read staged part: %w", err)
		}
		final = append(final, data...)
	}
	start := time.Now()
	if err := w.store.Put(ctx, objstore.ObjectPath(w.objectID), final); err != nil {
		return 0, err
	}
	metrics.SstablesUploaded.Inc()
	metrics.SstableUploadDuration.Observe(time.Since(start).Seconds())
	for _, p := range w.parts {
		if err := w.store.Delete(ctx, p); err != nil {
			return 0, fmt.Errorf("failed to drop staged part: %w", err)
		}
	}
	return w.size, nil
}
