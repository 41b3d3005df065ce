package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/freshet-io/freshet/pkg/hummock"
	"github.com/freshet-io/freshet/pkg/objstore"
)

// ErrNoCheckpoint is returned when no version snapshot exists yet
var ErrNoCheckpoint = errors.New("no version checkpoint found")

// Manager persists version snapshots to object storage: the current one
// under checkpoint/0 and history under archive/<version_id>.
type Manager struct {
	store objstore.ObjectStore
}

// NewManager creates a backup manager over the object store
func NewManager(store objstore.ObjectStore) *Manager {
	return &Manager{store: store}
}

// Snapshot writes the version as the current checkpoint and archives it
func (m *Manager) Snapshot(ctx context.Context, v *hummock.Version) error {
	data := hummock.MarshalVersion(nil, v)
	if err := m.store.Put(ctx, objstore.CheckpointPath, data); err != nil {
		return fmt.Errorf("failed to write version checkpoint: %w", err)
	}
	if err := m.store.Put(ctx, objstore.ArchivePath(v.ID), data); err != nil {
		return fmt.Errorf("failed to archive version %d: %w", v.ID, err)
	}
	return nil
}

// Restore loads the current checkpoint
func (m *Manager) Restore(ctx context.Context) (*hummock.Version, error) {
	data, err := m.store.Get(ctx, objstore.CheckpointPath)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read version checkpoint: %w", err)
	}
	return hummock.UnmarshalVersion(data)
}

// RestoreArchived loads one archived version by id
func (m *Manager) RestoreArchived(ctx context.Context, versionID uint64) (*hummock.Version, error) {
	data, err := m.store.Get(ctx, objstore.ArchivePath(versionID))
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, err
	}
	return hummock.UnmarshalVersion(data)
}

// ListArchived returns the archived version ids, ascending
func (m *Manager) ListArchived(ctx context.Context) ([]uint64, error) {
	paths, err := m.store.List(ctx, "archive/")
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, p := range paths {
		raw := strings.TrimPrefix(p, "archive/")
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// PruneArchive drops archived snapshots older than keep versions
func (m *Manager) PruneArchive(ctx context.Context, keep int) error {
	ids, err := m.ListArchived(ctx)
	if err != nil {
		return err
	}
	if len(ids) <= keep {
		return nil
	}
	for _, id := range ids[:len(ids)-keep] {
		if err := m.store.Delete(ctx, objstore.ArchivePath(id)); err != nil {
			return fmt.Errorf("failed to prune archived version %d: %w", id, err)
		}
	}
	return nil
}
