package hummock

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/freshet-io/freshet/pkg/types"
)

// PinnedVersion is a ref-counted handle on one Version. While any pin is
// held the version's SSTs are protected from GC.
type PinnedVersion struct {
	version *Version
	refs    atomic.Int32
	release func(versionID uint64)
}

// Version returns the pinned snapshot
func (p *PinnedVersion) Version() *Version {
	return p.version
}

// Retain adds a reference
func (p *PinnedVersion) Retain() *PinnedVersion {
	p.refs.Add(1)
	return p
}

// Release drops a reference; the last release reports to the updater
func (p *PinnedVersion) Release() {
	if p.refs.Add(-1) == 0 && p.release != nil {
		p.release(p.version.ID)
	}
}

// VersionUpdater is the per-node owner of the current Hummock version. It
// applies deltas broadcast by meta and hands out pins; pinning and
// unpinning all flow through it so meta sees one consistent pin set per
// node.
type VersionUpdater struct {
	mu      sync.Mutex
	current *PinnedVersion
	// unpinned collects version ids fully released since the last Drain.
	unpinned []uint64
	waiters  []versionWaiter
}

type versionWaiter struct {
	epoch types.Epoch
	ch    chan struct{}
}

// NewVersionUpdater starts from the given version
func NewVersionUpdater(v *Version) *VersionUpdater {
	u := &VersionUpdater{}
	u.current = u.newPin(v)
	return u
}

func (u *VersionUpdater) newPin(v *Version) *PinnedVersion {
	p := &PinnedVersion{version: v, release: u.onRelease}
	p.refs.Add(1) // the updater's own reference
	return p
}

func (u *VersionUpdater) onRelease(id uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.unpinned = append(u.unpinned, id)
}

// Pin returns a pinned handle on the current version
func (u *VersionUpdater) Pin() *PinnedVersion {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.current.Retain()
}

// Current returns the current version without pinning it. Only safe for
// reads that do not outlive the next delta.
func (u *VersionUpdater) Current() *Version {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.current.version
}

// ApplyDelta advances to the next version. Readers holding older pins are
// unaffected; the updater's own reference moves forward.
func (u *VersionUpdater) ApplyDelta(delta *VersionDelta) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	next, err := u.current.version.Apply(delta)
	if err != nil {
		return fmt.Errorf("failed to apply version delta: %w", err)
	}
	old := u.current
	u.current = u.newPin(next)
	old.Release()
	u.wakeWaiters()
	return nil
}

func (u *VersionUpdater) wakeWaiters() {
	var rest []versionWaiter
	for _, w := range u.waiters {
		if u.current.version.MaxCommittedEpoch >= w.epoch {
			close(w.ch)
		} else {
			rest = append(rest, w)
		}
	}
	u.waiters = rest
}

// ApplyVersion replaces the current version wholesale (recovery path)
func (u *VersionUpdater) ApplyVersion(v *Version) {
	u.mu.Lock()
	defer u.mu.Unlock()
	old := u.current
	u.current = u.newPin(v)
	old.Release()
	u.wakeWaiters()
}

// WaitCommitted returns a channel closed once MaxCommittedEpoch reaches
// epoch. Closed immediately if it already has.
func (u *VersionUpdater) WaitCommitted(epoch types.Epoch) <-chan struct{} {
	u.mu.Lock()
	defer u.mu.Unlock()
	ch := make(chan struct{})
	if u.current.version.MaxCommittedEpoch >= epoch.Pure() {
		close(ch)
		return ch
	}
	u.waiters = append(u.waiters, versionWaiter{epoch: epoch.Pure(), ch: ch})
	return ch
}

// DrainUnpinned returns and clears the fully-released version ids, for
// reporting to meta in the next heartbeat.
func (u *VersionUpdater) DrainUnpinned() []uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := u.unpinned
	u.unpinned = nil
	return out
}
