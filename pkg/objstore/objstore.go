package objstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when the requested object does not exist
var ErrNotFound = errors.New("object not found")

// ObjectStore is the blob interface Hummock writes SSTs and version
// checkpoints through. Implementations must be safe for concurrent use.
type ObjectStore interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	GetRange(ctx context.Context, path string, off, length int64) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// ObjectPath returns the data path of an SST object. The prefix is
// derived from the id so keys spread across object-store partitions.
func ObjectPath(objectID uint64) string {
	return fmt.Sprintf("%03d/%d.data", objectID%512, objectID)
}

// CheckpointPath is where the current version snapshot lives
const CheckpointPath = "checkpoint/0"

// ArchivePath returns the archive path of a historical version snapshot
func ArchivePath(versionID uint64) string {
	return fmt.Sprintf("archive/%d", versionID)
}

// RetryConfig bounds the local retry loop for idempotent reads
type RetryConfig struct {
	Attempts int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetry is the retry budget used when none is configured
var DefaultRetry = RetryConfig{Attempts: 4, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}

// retrying wraps a store with bounded exponential backoff on reads.
// Writes are not retried transparently: callers use a fresh object id
// instead, so a half-written object is never resurrected.
type retrying struct {
	inner ObjectStore
	cfg   RetryConfig
}

// WithRetry wraps store so Get/GetRange/Exists/List retry transient
// failures with exponential backoff.
func WithRetry(store ObjectStore, cfg RetryConfig) ObjectStore {
	if cfg.Attempts <= 0 {
		cfg = DefaultRetry
	}
	return &retrying{inner: store, cfg: cfg}
}

func (r *retrying) retry(ctx context.Context, op func() error) error {
	delay := r.cfg.BaseDelay
	var err error
	for attempt := 0; attempt < r.cfg.Attempts; attempt++ {
		if err = op(); err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
	}
	return fmt.Errorf("retry budget exhausted: %w", err)
}

func (r *retrying) Put(ctx context.Context, path string, data []byte) error {
	return r.inner.Put(ctx, path, data)
}

func (r *retrying) Get(ctx context.Context, path string) (data []byte, err error) {
	err = r.retry(ctx, func() error {
		data, err = r.inner.Get(ctx, path)
		return err
	})
	return data, err
}

func (r *retrying) GetRange(ctx context.Context, path string, off, length int64) (data []byte, err error) {
	err = r.retry(ctx, func() error {
		data, err = r.inner.GetRange(ctx, path, off, length)
		return err
	})
	return data, err
}

func (r *retrying) Exists(ctx context.Context, path string) (ok bool, err error) {
	err = r.retry(ctx, func() error {
		ok, err = r.inner.Exists(ctx, path)
		return err
	})
	return ok, err
}

func (r *retrying) Delete(ctx context.Context, path string) error {
	return r.inner.Delete(ctx, path)
}

func (r *retrying) List(ctx context.Context, prefix string) (paths []string, err error) {
	err = r.retry(ctx, func() error {
		paths, err = r.inner.List(ctx, prefix)
		return err
	})
	return paths, err
}
