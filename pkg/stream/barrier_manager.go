package stream

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/freshet-io/freshet/pkg/hummock"
	hstore "github.com/freshet-io/freshet/pkg/hummock/store"
	"github.com/freshet-io/freshet/pkg/log"
	"github.com/freshet-io/freshet/pkg/types"
)

// CollectSink receives the collection report for one barrier on one
// compute node; backed by the meta RPC surface on a real cluster.
type CollectSink interface {
	ReportCollected(ctx context.Context, epoch types.EpochPair, workerID uint32, synced []hummock.SstableInfo) error
}

// LocalBarrierManager tracks barrier passage across every actor of one
// compute node. When all registered actors have passed a barrier, it
// seals and syncs the closed epoch and reports collection to meta.
type LocalBarrierManager struct {
	workerID uint32
	node     *hstore.Node
	sink     CollectSink
	logger   zerolog.Logger

	mu         sync.Mutex
	registered map[uint32]struct{}
	// passed accumulates actor ids per curr-epoch
	passed map[types.Epoch]map[uint32]struct{}
	// barriers remembers the barrier per curr-epoch until collected
	barriers map[types.Epoch]*types.Barrier
}

// NewLocalBarrierManager creates a manager for one node. node may be nil
// when the runtime is used without a state store (pure streaming tests).
func NewLocalBarrierManager(workerID uint32, node *hstore.Node, sink CollectSink) *LocalBarrierManager {
	return &LocalBarrierManager{
		workerID:   workerID,
		node:       node,
		sink:       sink,
		logger:     log.WithComponent("barrier-manager"),
		registered: make(map[uint32]struct{}),
		passed:     make(map[types.Epoch]map[uint32]struct{}),
		barriers:   make(map[types.Epoch]*types.Barrier),
	}
}

// RegisterActor adds an actor to the collection set
func (m *LocalBarrierManager) RegisterActor(actorID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered[actorID] = struct{}{}
}

// DeregisterActor removes a stopped actor
func (m *LocalBarrierManager) DeregisterActor(actorID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.registered, actorID)
}

// RegisteredCount returns the number of tracked actors
func (m *LocalBarrierManager) RegisteredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registered)
}

// OnBarrierPassed implements BarrierNotifier. The final actor's passage
// triggers seal, sync and the report to meta.
func (m *LocalBarrierManager) OnBarrierPassed(actorID uint32, b *types.Barrier) {
	m.mu.Lock()
	curr := b.Epoch.Curr
	set, ok := m.passed[curr]
	if !ok {
		set = make(map[uint32]struct{})
		m.passed[curr] = set
		m.barriers[curr] = b
	}
	set[actorID] = struct{}{}

	// Actors stopped by this barrier leave the collection set afterwards.
	stopped := stopsSelf(b, actorID)

	complete := true
	for id := range m.registered {
		if _, ok := set[id]; !ok {
			complete = false
			break
		}
	}
	if stopped {
		delete(m.registered, actorID)
	}
	if !complete {
		m.mu.Unlock()
		return
	}
	delete(m.passed, curr)
	delete(m.barriers, curr)
	m.mu.Unlock()

	m.collect(b)
}

// collect seals the closed epoch, uploads its SSTs and reports to meta
func (m *LocalBarrierManager) collect(b *types.Barrier) {
	ctx := context.Background()
	var synced []hummock.SstableInfo
	if m.node != nil && b.Kind != types.BarrierKindInitial {
		m.node.SealEpoch(b.Epoch.Prev, b.IsCheckpoint())
		if b.IsCheckpoint() {
			infos, err := m.node.Sync(ctx, b.Epoch.Prev)
			if err != nil {
				m.logger.Error().Err(err).
					Str("epoch", b.Epoch.Prev.String()).
					Msg("Failed to sync epoch; barrier ack withheld")
				return
			}
			synced = infos
		}
	}
	if m.sink == nil {
		return
	}
	if err := m.sink.ReportCollected(ctx, b.Epoch, m.workerID, synced); err != nil {
		m.logger.Error().Err(err).Msg("Failed to report barrier collection")
	}
}
