package compute

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freshet-io/freshet/pkg/config"
	"github.com/freshet-io/freshet/pkg/hummock"
	hstore "github.com/freshet-io/freshet/pkg/hummock/store"
	"github.com/freshet-io/freshet/pkg/hummock/sstable"
	"github.com/freshet-io/freshet/pkg/log"
	"github.com/freshet-io/freshet/pkg/objstore"
	"github.com/freshet-io/freshet/pkg/rpc"
	"github.com/freshet-io/freshet/pkg/stream"
	"github.com/freshet-io/freshet/pkg/types"
)

// MetaAPI is the compute node's view of the meta control plane. The
// gRPC client and the in-process meta server both satisfy it, so a
// hybrid single-binary deployment skips the network.
type MetaAPI interface {
	Register(ctx context.Context, req *rpc.RegisterRequest) (*rpc.RegisterResponse, error)
	Heartbeat(ctx context.Context, req *rpc.HeartbeatRequest) (*rpc.HeartbeatResponse, error)
	CollectBarrier(ctx context.Context, req *rpc.CollectBarrierRequest) (*rpc.CollectBarrierResponse, error)
	NextObjectID(ctx context.Context, req *rpc.NextObjectIDRequest) (*rpc.NextObjectIDResponse, error)
	Notifications(ctx context.Context, workerID uint32) (<-chan *rpc.Notification, error)
}

// BuildContext is what an ActorBuilder gets to assemble one actor
type BuildContext struct {
	// StoreNode is the node's state store
	StoreNode *hstore.Node
	// Shared owns the local exchange channels
	Shared *stream.SharedContext
	// BarrierCh is the injection channel for source-like actors; nil
	// for actors fed purely by upstreams.
	BarrierCh *stream.Channel
}

// ActorBuilder constructs the executor pipeline and dispatchers of one
// actor from its placement info. Jobs register a builder per fragment.
type ActorBuilder func(bc *BuildContext, info types.ActorInfo) (stream.Executor, []*stream.Dispatcher, bool, error)

// Node is one compute worker: it registers with meta, heartbeats,
// applies version deltas, builds actors from Add mutations, and routes
// barrier injections into its source actors.
type Node struct {
	cfg      *config.Config
	meta     MetaAPI
	workerID uint32
	logger   zerolog.Logger

	store      *hstore.Node
	barrierMgr *stream.LocalBarrierManager
	shared     *stream.SharedContext

	mu        sync.Mutex
	builders  map[uint32]ActorBuilder // fragment id -> builder
	actors    map[uint32]*stream.Actor
	barrierCh map[uint32]*stream.Channel // source actor -> injection channel

	eg     *errgroup.Group
	runCtx context.Context
	cancel context.CancelFunc
}

// metaObjectIDAllocator allocates SST object ids through meta
type metaObjectIDAllocator struct {
	meta MetaAPI
}

func (a *metaObjectIDAllocator) NextObjectID(ctx context.Context) (uint64, error) {
	resp, err := a.meta.NextObjectID(ctx, &rpc.NextObjectIDRequest{Count: 1})
	if err != nil {
		return 0, err
	}
	return resp.Start, nil
}

// NewNode creates a compute node over the given object store
func NewNode(cfg *config.Config, meta MetaAPI, objStore objstore.ObjectStore) (*Node, error) {
	sstStore, err := sstable.NewStore(objStore, sstable.StoreConfig{
		BlockCacheCapacity:     int64(cfg.Storage.BlockCacheCapacityMB) << 20,
		MetaCacheCapacity:      int64(cfg.Storage.MetaCacheCapacityMB) << 20,
		PrefetchBufferCapacity: int64(cfg.Storage.PrefetchBufferCapacity) << 20,
	})
	if err != nil {
		return nil, err
	}
	storeNode := hstore.NewNode(
		sstStore,
		hummock.NewVersionUpdater(hummock.NewInitialVersion()),
		&metaObjectIDAllocator{meta: meta},
		hstore.Config{
			BlockSize:            cfg.Storage.BlockSizeKB << 10,
			SharedBufferCapacity: int64(cfg.Storage.SharedBufferCapacityMB) << 20,
			FillCacheOnFlush:     true,
		},
	)
	return &Node{
		cfg:       cfg,
		meta:      meta,
		logger:    log.WithComponent("compute"),
		store:     storeNode,
		shared:    stream.NewSharedContext(cfg.Streaming.ExchangeChannelCapacity),
		builders:  make(map[uint32]ActorBuilder),
		actors:    make(map[uint32]*stream.Actor),
		barrierCh: make(map[uint32]*stream.Channel),
	}, nil
}

// WorkerID returns the id assigned at registration
func (n *Node) WorkerID() uint32 {
	return n.workerID
}

// StoreNode exposes the state store (serving reads, tests)
func (n *Node) StoreNode() *hstore.Node {
	return n.store
}

// Shared exposes the local exchange context
func (n *Node) Shared() *stream.SharedContext {
	return n.shared
}

// RegisterBuilder installs the actor builder of a fragment
func (n *Node) RegisterBuilder(fragmentID uint32, b ActorBuilder) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.builders[fragmentID] = b
}

// Start registers with meta and launches the heartbeat and notification
// loops. It returns once registration completes.
func (n *Node) Start(ctx context.Context) error {
	parallelism := n.cfg.Streaming.Parallelism
	if parallelism == 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	resp, err := n.meta.Register(ctx, &rpc.RegisterRequest{
		Host:        n.cfg.Host,
		Port:        n.cfg.Port,
		Type:        types.WorkerTypeCompute,
		Parallelism: parallelism,
		Schedulability: types.Schedulability{
			Streaming: true,
			Serving:   true,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to register with meta: %w", err)
	}
	n.workerID = resp.WorkerID
	n.logger = log.WithWorkerID(resp.WorkerID)
	n.store.Updater().ApplyVersion(resp.Version)
	n.barrierMgr = stream.NewLocalBarrierManager(n.workerID, n.store, &collectSink{node: n})

	n.runCtx, n.cancel = context.WithCancel(context.Background())
	n.eg, _ = errgroup.WithContext(n.runCtx)

	notifications, err := n.meta.Notifications(n.runCtx, n.workerID)
	if err != nil {
		n.cancel()
		return fmt.Errorf("failed to subscribe to meta: %w", err)
	}
	n.eg.Go(func() error { return n.notificationLoop(notifications) })
	n.eg.Go(func() error { return n.heartbeatLoop() })

	n.logger.Info().Msg("Compute node started")
	return nil
}

// Stop shuts the node down
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	if n.eg != nil {
		n.eg.Wait()
	}
	n.mu.Lock()
	for _, a := range n.actors {
		a.Token().Shutdown()
	}
	n.mu.Unlock()
}

type collectSink struct {
	node *Node
}

func (s *collectSink) ReportCollected(ctx context.Context, epoch types.EpochPair, workerID uint32, synced []hummock.SstableInfo) error {
	_, err := s.node.meta.CollectBarrier(ctx, &rpc.CollectBarrierRequest{
		WorkerID: workerID,
		Epoch:    epoch,
		Synced:   synced,
	})
	return err
}

func (n *Node) heartbeatLoop() error {
	ticker := time.NewTicker(n.cfg.HeartbeatTTL() / 3)
	defer ticker.Stop()
	for {
		select {
		case <-n.runCtx.Done():
			return nil
		case <-ticker.C:
			req := &rpc.HeartbeatRequest{
				WorkerID:         n.workerID,
				UnpinnedVersions: n.store.Updater().DrainUnpinned(),
			}
			if _, err := n.meta.Heartbeat(n.runCtx, req); err != nil {
				n.logger.Warn().Err(err).Msg("Heartbeat failed")
			}
		}
	}
}

func (n *Node) notificationLoop(ch <-chan *rpc.Notification) error {
	for {
		select {
		case <-n.runCtx.Done():
			return nil
		case notif, ok := <-ch:
			if !ok {
				return fmt.Errorf("meta notification stream closed")
			}
			n.handleNotification(notif)
		}
	}
}

func (n *Node) handleNotification(notif *rpc.Notification) {
	switch {
	case notif.FullVersion != nil:
		n.store.Updater().ApplyVersion(notif.FullVersion)
		n.store.PruneCommitted()
	case notif.Delta != nil:
		if err := n.store.Updater().ApplyDelta(notif.Delta); err != nil {
			// A gap in the delta chain (dropped notification): recover on
			// the next full-version sync.
			n.logger.Warn().Err(err).Msg("Version delta did not chain; awaiting full sync")
			return
		}
		n.store.PruneCommitted()
	case notif.Barrier != nil:
		n.injectBarrier(notif.Barrier)
	}
}

// injectBarrier builds any actors added by the barrier's mutation, then
// delivers the barrier to every source-like actor on this node.
func (n *Node) injectBarrier(b *types.Barrier) {
	var toAdd []types.ActorInfo
	switch mut := b.Mutation.(type) {
	case types.AddMutation:
		toAdd = mut.Actors
	case types.AddAndUpdateMutation:
		toAdd = mut.Add.Actors
	}
	for _, info := range toAdd {
		if info.WorkerID != n.workerID {
			continue
		}
		if err := n.BuildActor(info); err != nil {
			n.logger.Error().Err(err).Uint32("actor_id", info.ActorID).Msg("Failed to build actor")
		}
	}

	n.mu.Lock()
	channels := make([]*stream.Channel, 0, len(n.barrierCh))
	for _, ch := range n.barrierCh {
		channels = append(channels, ch)
	}
	stopped := map[uint32]struct{}{}
	if stop, ok := b.Mutation.(types.StopMutation); ok {
		for _, id := range stop.Actors {
			stopped[id] = struct{}{}
		}
	}
	n.mu.Unlock()

	if len(channels) == 0 {
		// No source actors: ack the barrier directly so the epoch can
		// still commit (fresh node joining mid-topology).
		n.barrierMgr.OnBarrierPassed(0, b)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, ch := range channels {
		if err := ch.Send(ctx, stream.NewBarrierMessage(b.Clone())); err != nil {
			n.logger.Error().Err(err).Msg("Failed to inject barrier")
		}
	}

	if len(stopped) > 0 {
		n.mu.Lock()
		for id := range stopped {
			delete(n.actors, id)
			delete(n.barrierCh, id)
		}
		n.mu.Unlock()
	}
}

// BuildActor constructs and starts one actor from its placement info
func (n *Node) BuildActor(info types.ActorInfo) error {
	n.mu.Lock()
	builder, ok := n.builders[info.FragmentID]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("no builder registered for fragment %d", info.FragmentID)
	}
	if _, exists := n.actors[info.ActorID]; exists {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	bc := &BuildContext{
		StoreNode: n.store,
		Shared:    n.shared,
		BarrierCh: stream.NewChannel(0, info.ActorID, n.cfg.Streaming.ExchangeChannelCapacity),
	}
	exec, dispatchers, isSource, err := builder(bc, info)
	if err != nil {
		return err
	}

	actor := stream.NewActor(info.ActorID, info.FragmentID, exec, dispatchers, n.shared, n.barrierMgr)
	n.barrierMgr.RegisterActor(info.ActorID)

	n.mu.Lock()
	n.actors[info.ActorID] = actor
	if isSource {
		n.barrierCh[info.ActorID] = bc.BarrierCh
	}
	n.mu.Unlock()

	n.eg.Go(func() error {
		err := actor.Run(n.runCtx)
		n.barrierMgr.DeregisterActor(info.ActorID)
		n.mu.Lock()
		delete(n.actors, info.ActorID)
		delete(n.barrierCh, info.ActorID)
		n.mu.Unlock()
		if err != nil && err != stream.ErrShutdown && n.runCtx.Err() == nil {
			n.logger.Error().Err(err).Uint32("actor_id", info.ActorID).Msg("Actor failed")
		}
		return nil
	})
	n.logger.Info().Uint32("actor_id", info.ActorID).Uint32("fragment_id", info.FragmentID).Msg("Actor started")
	return nil
}

// ActorCount returns the number of live actors
func (n *Node) ActorCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.actors)
}
