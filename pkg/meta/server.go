package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/freshet-io/freshet/pkg/config"
	"github.com/freshet-io/freshet/pkg/hummock"
	"github.com/freshet-io/freshet/pkg/hummock/backup"
	"github.com/freshet-io/freshet/pkg/hummock/compaction"
	"github.com/freshet-io/freshet/pkg/log"
	"github.com/freshet-io/freshet/pkg/metrics"
	"github.com/freshet-io/freshet/pkg/objstore"
	"github.com/freshet-io/freshet/pkg/rpc"
	"github.com/freshet-io/freshet/pkg/types"
)

// Server is the meta control plane: sole barrier injector and version
// publisher, cluster-membership authority, and compaction coordinator.
type Server struct {
	cfg    *config.Config
	store  Store
	fsm    *FSM
	raft   *raft.Raft
	hub    *Hub
	backup *backup.Manager
	logger zerolog.Logger

	mu      sync.Mutex
	version *hummock.Version
	// pins: worker -> pinned version ids
	pins map[uint32]map[uint64]struct{}
	// actors: worker -> actors placed there, for recovery
	actors map[uint32][]types.ActorInfo

	nextWorkerID   uint32
	nextTxnID      uint32
	nextObjectID   uint64
	catalogVersion uint64
	lastEpoch      types.Epoch

	// inflight barriers: curr epoch -> workers yet to report, with the
	// SSTs gathered so far
	inflight map[types.Epoch]*collectState

	// flushWaiters wake when their epoch commits
	flushWaiters []flushWaiter

	// pending compaction tasks
	tasks []*compaction.Task

	stopCh chan struct{}
	doneCh chan struct{}
}

type collectState struct {
	barrier  *types.Barrier
	pending  map[uint32]struct{}
	ssts     []hummock.SstableInfo
	injected time.Time
}

type flushWaiter struct {
	epoch types.Epoch
	ch    chan types.Epoch
}

// NewServer creates a meta server. objStore may be nil for tests that
// never touch version checkpoints or GC; r may be nil for a
// non-replicated (direct-apply) deployment.
func NewServer(cfg *config.Config, store Store, r *raft.Raft, objStore objstore.ObjectStore) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		store:    store,
		fsm:      NewFSM(store),
		raft:     r,
		hub:      NewHub(),
		logger:   log.WithComponent("meta"),
		pins:     make(map[uint32]map[uint64]struct{}),
		actors:   make(map[uint32][]types.ActorInfo),
		inflight: make(map[types.Epoch]*collectState),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if objStore != nil {
		s.backup = backup.NewManager(objStore)
	}

	// Resume from the persisted version, or start fresh.
	v, err := store.GetVersion()
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = hummock.NewInitialVersion()
		if err := s.propose("save_version", versionPayload{Version: hummock.MarshalVersion(nil, v)}); err != nil {
			return nil, err
		}
	}
	s.version = v
	s.lastEpoch = v.MaxCommittedEpoch

	// Object ids resume past everything the version references.
	for id := range v.ObjectIDs() {
		if id >= s.nextObjectID {
			s.nextObjectID = id + 1
		}
	}

	workers, err := store.ListWorkers()
	if err != nil {
		return nil, err
	}
	for _, w := range workers {
		if w.ID >= s.nextWorkerID {
			s.nextWorkerID = w.ID + 1
		}
	}
	return s, nil
}

// Hub exposes the notification hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// propose routes a mutation through Raft when replicated, or applies it
// directly otherwise.
func (s *Server) propose(op string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	cmd, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return err
	}
	if s.raft != nil {
		f := s.raft.Apply(cmd, 5*time.Second)
		if err := f.Error(); err != nil {
			return fmt.Errorf("raft apply failed: %w", err)
		}
		if resp, ok := f.Response().(error); ok && resp != nil {
			return resp
		}
		return nil
	}
	if resp := s.fsm.Apply(&raft.Log{Data: cmd}); resp != nil {
		if err, ok := resp.(error); ok {
			return err
		}
	}
	return nil
}

// Start launches the barrier injector and the heartbeat TTL monitor
func (s *Server) Start() {
	go s.run()
}

// Stop stops the background loops
func (s *Server) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Server) run() {
	defer close(s.doneCh)
	barrierTicker := time.NewTicker(s.cfg.BarrierInterval())
	defer barrierTicker.Stop()
	ttlTicker := time.NewTicker(s.cfg.HeartbeatTTL() / 3)
	defer ttlTicker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-barrierTicker.C:
			s.InjectBarrier(types.BarrierKindCheckpoint, nil)
		case <-ttlTicker.C:
			s.expireWorkers()
		}
	}
}

// --- cluster membership ---

// Register implements rpc.MetaServer
func (s *Server) Register(_ context.Context, req *rpc.RegisterRequest) (*rpc.RegisterResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextWorkerID
	if id == 0 {
		id = 1
	}
	s.nextWorkerID = id + 1

	// Transactional ids are reused modulo the bound so hashing stays
	// deterministic across restarts.
	txn := s.nextTxnID % types.MaxTransactionalID
	s.nextTxnID++

	w := &types.WorkerInfo{
		ID:              id,
		TransactionalID: txn,
		Host:            req.Host,
		Port:            req.Port,
		Type:            req.Type,
		Parallelism:     req.Parallelism,
		Schedulability:  req.Schedulability,
		Status:          types.WorkerStatusRunning,
		LastHeartbeat:   time.Now(),
		StartedAt:       time.Now(),
	}
	if err := s.propose("save_worker", w); err != nil {
		return nil, err
	}
	metrics.WorkersTotal.WithLabelValues(string(req.Type), string(types.WorkerStatusRunning)).Inc()
	s.logger.Info().Uint32("worker_id", id).Str("type", string(req.Type)).Msg("Worker registered")

	return &rpc.RegisterResponse{
		WorkerID:        id,
		TransactionalID: txn,
		Version:         s.version.Clone(),
	}, nil
}

// Heartbeat implements rpc.MetaServer; it extends the worker TTL and
// collects released version pins.
func (s *Server) Heartbeat(_ context.Context, req *rpc.HeartbeatRequest) (*rpc.HeartbeatResponse, error) {
	w, err := s.store.GetWorker(req.WorkerID)
	if err != nil {
		return nil, types.Protocol(fmt.Errorf("heartbeat from unknown worker %d", req.WorkerID))
	}
	w.LastHeartbeat = time.Now()
	if err := s.propose("save_worker", w); err != nil {
		return nil, err
	}
	if len(req.UnpinnedVersions) > 0 {
		s.mu.Lock()
		if pins, ok := s.pins[req.WorkerID]; ok {
			for _, id := range req.UnpinnedVersions {
				delete(pins, id)
			}
		}
		s.mu.Unlock()
	}
	return &rpc.HeartbeatResponse{}, nil
}

func (s *Server) expireWorkers() {
	workers, err := s.store.ListWorkers()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list workers for TTL check")
		return
	}
	ttl := s.cfg.HeartbeatTTL()
	for _, w := range workers {
		if w.Status != types.WorkerStatusRunning || time.Since(w.LastHeartbeat) < ttl {
			continue
		}
		s.logger.Warn().Uint32("worker_id", w.ID).Msg("Worker TTL expired; declaring dead")
		s.MarkWorkerDead(w.ID)
	}
}

// MarkWorkerDead removes a worker and triggers recovery of its actors
func (s *Server) MarkWorkerDead(workerID uint32) {
	s.mu.Lock()
	w, err := s.store.GetWorker(workerID)
	if err != nil {
		s.mu.Unlock()
		return
	}
	w.Status = types.WorkerStatusDead
	if err := s.propose("save_worker", w); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist dead worker")
	}
	if err := s.propose("delete_pins", workerID); err != nil {
		s.logger.Error().Err(err).Msg("Failed to drop dead worker pins")
	}
	delete(s.pins, workerID)

	// Abandon in-flight epochs; they can never complete.
	for epoch := range s.inflight {
		delete(s.inflight, epoch)
		metrics.BarrierInflight.Dec()
	}
	orphaned := s.actors[workerID]
	delete(s.actors, workerID)
	s.mu.Unlock()

	s.hub.Broadcast(&rpc.Notification{WorkerDown: workerID})
	s.recover(orphaned)
}

// recover reassigns orphaned actors onto a live streaming worker and
// restarts the dataflow from the last committed epoch with an Initial
// barrier carrying the Add mutation.
func (s *Server) recover(orphaned []types.ActorInfo) {
	metrics.RecoveryCount.Inc()

	s.mu.Lock()
	// All durable state lives in Hummock; the recovery epoch is simply
	// the last committed one.
	s.lastEpoch = s.version.MaxCommittedEpoch
	target := s.pickStreamingWorkerLocked()
	if target == 0 && len(orphaned) > 0 {
		s.mu.Unlock()
		s.logger.Error().Msg("No schedulable worker for recovery; actors remain down")
		return
	}
	for i := range orphaned {
		orphaned[i].WorkerID = target
	}
	s.actors[target] = append(s.actors[target], orphaned...)
	s.mu.Unlock()

	var mut types.Mutation
	if len(orphaned) > 0 {
		mut = types.AddMutation{Actors: orphaned}
	}
	s.logger.Info().Int("actors", len(orphaned)).Uint32("target", target).Msg("Recovering actors")
	s.InjectBarrier(types.BarrierKindInitial, mut)
}

func (s *Server) pickStreamingWorkerLocked() uint32 {
	workers, err := s.store.ListWorkers()
	if err != nil {
		return 0
	}
	var best uint32
	for _, w := range workers {
		if w.Status != types.WorkerStatusRunning || w.Type != types.WorkerTypeCompute {
			continue
		}
		if !w.Schedulability.Streaming || w.Schedulability.Unschedulable {
			continue
		}
		if best == 0 || w.ID < best {
			best = w.ID
		}
	}
	return best
}

// RegisterActors records actor placements (job deployment); used for
// recovery bookkeeping.
func (s *Server) RegisterActors(workerID uint32, actors []types.ActorInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actors[workerID] = append(s.actors[workerID], actors...)
}

// --- barrier protocol ---

// InjectBarrier emits one barrier to every subscribed compute worker.
// Returns the curr epoch, or EpochInvalid when no worker is live.
func (s *Server) InjectBarrier(kind types.BarrierKind, mut types.Mutation) types.Epoch {
	s.mu.Lock()
	workers := s.liveComputeWorkersLocked()
	if len(workers) == 0 {
		s.mu.Unlock()
		return types.EpochInvalid
	}

	curr := types.NewEpoch(time.Now())
	for curr <= s.lastEpoch {
		// Wall clocks are not guaranteed to tick between barriers.
		curr = s.lastEpoch + (1 << types.EpochSpillBits)
	}
	prev := s.lastEpoch
	if prev == types.EpochInvalid {
		// The very first barrier closes the zero epoch.
		prev = curr - (1 << types.EpochSpillBits)
	}
	s.lastEpoch = curr

	b := &types.Barrier{
		Epoch:    types.EpochPair{Prev: prev, Curr: curr},
		Kind:     kind,
		Mutation: mut,
	}
	pending := make(map[uint32]struct{}, len(workers))
	for _, id := range workers {
		pending[id] = struct{}{}
	}
	s.inflight[curr] = &collectState{barrier: b, pending: pending, injected: time.Now()}
	metrics.BarrierInflight.Inc()
	s.mu.Unlock()

	s.hub.Broadcast(&rpc.Notification{Barrier: b})
	return curr
}

func (s *Server) liveComputeWorkersLocked() []uint32 {
	workers, err := s.store.ListWorkers()
	if err != nil {
		return nil
	}
	var out []uint32
	for _, w := range workers {
		if w.Status == types.WorkerStatusRunning && w.Type == types.WorkerTypeCompute {
			out = append(out, w.ID)
		}
	}
	return out
}

// CollectBarrier implements rpc.MetaServer: one compute node reports
// collection of a barrier together with its uploaded SSTs.
func (s *Server) CollectBarrier(_ context.Context, req *rpc.CollectBarrierRequest) (*rpc.CollectBarrierResponse, error) {
	s.mu.Lock()
	st, ok := s.inflight[req.Epoch.Curr]
	if !ok {
		s.mu.Unlock()
		// Stale report from before a recovery; ignore.
		return &rpc.CollectBarrierResponse{}, nil
	}
	delete(st.pending, req.WorkerID)
	st.ssts = append(st.ssts, req.Synced...)
	done := len(st.pending) == 0
	if done {
		delete(s.inflight, req.Epoch.Curr)
	}
	s.mu.Unlock()

	if done {
		if err := s.commitEpoch(st); err != nil {
			return nil, err
		}
	}
	return &rpc.CollectBarrierResponse{}, nil
}

// commitEpoch publishes a new version making the epoch's effects
// durable and visible.
func (s *Server) commitEpoch(st *collectState) error {
	b := st.barrier
	s.mu.Lock()

	delta := &hummock.VersionDelta{
		PrevID:            s.version.ID,
		NewID:             s.version.ID + 1,
		MaxCommittedEpoch: b.Epoch.Curr.Pure(),
	}
	if len(st.ssts) > 0 {
		delta.GroupDeltas = []hummock.GroupDelta{{
			GroupID:   hummock.DefaultCompactionGroup,
			NewL0SSTs: st.ssts,
		}}
	}
	next, err := s.version.Apply(delta)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to apply commit delta: %w", err)
	}
	if err := s.propose("save_version", versionPayload{Version: hummock.MarshalVersion(nil, next)}); err != nil {
		s.mu.Unlock()
		return err
	}
	s.version = next
	for id := range next.ObjectIDs() {
		if id >= s.nextObjectID {
			s.nextObjectID = id + 1
		}
	}

	// Wake FLUSH waiters satisfied by this commit.
	var rest []flushWaiter
	for _, w := range s.flushWaiters {
		if next.MaxCommittedEpoch >= w.epoch {
			w.ch <- next.MaxCommittedEpoch
		} else {
			rest = append(rest, w)
		}
	}
	s.flushWaiters = rest

	// Plan compaction when L0 piles up.
	if task := compaction.PlanL0(next, hummock.DefaultCompactionGroup, s.cfg.Meta.CompactionL0Trigger); task != nil {
		if !s.taskInFlightLocked(task) {
			s.tasks = append(s.tasks, task)
		}
	}
	s.mu.Unlock()

	metrics.BarrierInflight.Dec()
	metrics.ObserveBarrier(st.injected)

	if s.backup != nil {
		if err := s.backup.Snapshot(context.Background(), next); err != nil {
			s.logger.Error().Err(err).Msg("Failed to checkpoint version")
		}
	}

	s.hub.Broadcast(&rpc.Notification{Delta: delta})
	s.logger.Debug().
		Str("epoch", b.Epoch.Curr.String()).
		Uint64("version", next.ID).
		Int("ssts", len(st.ssts)).
		Msg("Epoch committed")
	return nil
}

func (s *Server) taskInFlightLocked(task *compaction.Task) bool {
	// One pending task per group is enough; inputs overlap otherwise.
	for _, t := range s.tasks {
		if t.GroupID == task.GroupID {
			return true
		}
	}
	return false
}

// Version returns the current committed version
func (s *Server) Version() *hummock.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Flush implements rpc.MetaServer: it blocks until the epoch of the
// next injected barrier commits.
func (s *Server) Flush(ctx context.Context, _ *rpc.FlushRequest) (*rpc.FlushResponse, error) {
	target := s.InjectBarrier(types.BarrierKindCheckpoint, nil)
	if target == types.EpochInvalid {
		return nil, types.UserError(fmt.Errorf("no live compute worker to flush"))
	}
	ch := make(chan types.Epoch, 1)
	s.mu.Lock()
	s.flushWaiters = append(s.flushWaiters, flushWaiter{epoch: target.Pure(), ch: ch})
	s.mu.Unlock()

	select {
	case committed := <-ch:
		return &rpc.FlushResponse{CommittedEpoch: committed}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// --- hummock RPC surface ---

// PinVersion implements rpc.MetaServer
func (s *Server) PinVersion(_ context.Context, req *rpc.PinVersionRequest) (*rpc.PinVersionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pins, ok := s.pins[req.WorkerID]
	if !ok {
		pins = make(map[uint64]struct{})
		s.pins[req.WorkerID] = pins
	}
	pins[s.version.ID] = struct{}{}
	if err := s.persistPinsLocked(req.WorkerID); err != nil {
		return nil, err
	}
	return &rpc.PinVersionResponse{Version: s.version.Clone()}, nil
}

// UnpinVersion implements rpc.MetaServer
func (s *Server) UnpinVersion(_ context.Context, req *rpc.UnpinVersionRequest) (*rpc.UnpinVersionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pins, ok := s.pins[req.WorkerID]; ok {
		delete(pins, req.VersionID)
	}
	if err := s.persistPinsLocked(req.WorkerID); err != nil {
		return nil, err
	}
	return &rpc.UnpinVersionResponse{}, nil
}

func (s *Server) persistPinsLocked(workerID uint32) error {
	ids := make([]uint64, 0, len(s.pins[workerID]))
	for id := range s.pins[workerID] {
		ids = append(ids, id)
	}
	return s.propose("save_pins", pinsPayload{WorkerID: workerID, Versions: ids})
}

// NextObjectID implements rpc.MetaServer
func (s *Server) NextObjectID(_ context.Context, req *rpc.NextObjectIDRequest) (*rpc.NextObjectIDResponse, error) {
	count := req.Count
	if count == 0 {
		count = 1
	}
	s.mu.Lock()
	start := s.nextObjectID
	if start == 0 {
		start = 1
	}
	s.nextObjectID = start + count
	s.mu.Unlock()
	return &rpc.NextObjectIDResponse{Start: start}, nil
}

// GetCompactionTask implements rpc.MetaServer
func (s *Server) GetCompactionTask(_ context.Context, _ *rpc.GetCompactionTaskRequest) (*rpc.GetCompactionTaskResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return &rpc.GetCompactionTaskResponse{}, nil
	}
	task := s.tasks[0]
	s.tasks = s.tasks[1:]
	return &rpc.GetCompactionTaskResponse{Task: task}, nil
}

// ReportCompaction implements rpc.MetaServer: the output swap is applied
// atomically as a version delta.
func (s *Server) ReportCompaction(_ context.Context, req *rpc.ReportCompactionRequest) (*rpc.ReportCompactionResponse, error) {
	res := req.Result
	s.mu.Lock()
	delta := &hummock.VersionDelta{
		PrevID: s.version.ID,
		NewID:  s.version.ID + 1,
		GroupDeltas: []hummock.GroupDelta{{
			GroupID:        res.GroupID,
			RemovedObjects: res.RemovedObjects,
			InsertedSSTs:   res.OutputSSTs,
			TargetLevel:    res.TargetLevel,
		}},
	}
	next, err := s.version.Apply(delta)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to apply compaction swap: %w", err)
	}
	if err := s.propose("save_version", versionPayload{Version: hummock.MarshalVersion(nil, next)}); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.version = next
	for id := range next.ObjectIDs() {
		if id >= s.nextObjectID {
			s.nextObjectID = id + 1
		}
	}
	s.mu.Unlock()

	s.hub.Broadcast(&rpc.Notification{Delta: delta})
	s.logger.Info().Str("task_id", res.TaskID).Int("outputs", len(res.OutputSSTs)).Msg("Compaction swapped in")
	return &rpc.ReportCompactionResponse{}, nil
}

// GCOrphans deletes objects referenced by no version and no pin. Safe
// only when every worker has reported its pins.
func (s *Server) GCOrphans(ctx context.Context, store objstore.ObjectStore) (int, error) {
	s.mu.Lock()
	live := s.version.ObjectIDs()
	anyPins := false
	for _, pins := range s.pins {
		if len(pins) > 0 {
			anyPins = true
		}
	}
	s.mu.Unlock()
	if anyPins {
		// A pinned historical version may reference objects the current
		// one dropped; GC waits.
		return 0, nil
	}

	paths, err := store.List(ctx, "")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, p := range paths {
		var dir uint64
		var id uint64
		if _, err := fmt.Sscanf(p, "%d/%d.data", &dir, &id); err != nil {
			continue // checkpoints, archives
		}
		if _, ok := live[id]; ok {
			continue
		}
		if err := store.Delete(ctx, p); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Subscribe implements rpc.MetaServer
func (s *Server) Subscribe(req *rpc.SubscribeRequest, stream rpc.MetaSubscribeStream) error {
	ch := s.hub.Subscribe(req.WorkerID)
	defer s.hub.Unsubscribe(req.WorkerID, ch)

	// Ship the full current version first so the subscriber starts from
	// a consistent snapshot.
	if err := stream.Send(&rpc.Notification{FullVersion: s.Version().Clone()}); err != nil {
		return err
	}
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.Send(n); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}
