package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/freshet-io/freshet/pkg/metrics"
	"github.com/freshet-io/freshet/pkg/types"
)

// Dispatcher routes the outbound messages of one actor to its
// downstream actors.
type Dispatcher struct {
	typ     types.DispatcherType
	id      uint32
	distKey []int

	mu      sync.Mutex
	outputs []*Channel
	// hashMapping routes a vnode to a downstream actor (hash type only)
	hashMapping map[types.VirtualNode]uint32
	rrNext      int
}

// NewDispatcher creates a dispatcher. For the hash type, hashMapping must
// cover the full vnode space.
func NewDispatcher(id uint32, typ types.DispatcherType, distKey []int, outputs []*Channel, hashMapping map[types.VirtualNode]uint32) *Dispatcher {
	d := &Dispatcher{
		typ:         typ,
		id:          id,
		distKey:     distKey,
		outputs:     outputs,
		hashMapping: hashMapping,
	}
	d.sortOutputs()
	return d
}

func (d *Dispatcher) sortOutputs() {
	sort.Slice(d.outputs, func(i, j int) bool {
		return d.outputs[i].DownstreamActor() < d.outputs[j].DownstreamActor()
	})
}

// ID returns the dispatcher id
func (d *Dispatcher) ID() uint32 {
	return d.id
}

// Dispatch routes one message. Barriers and watermarks go to every
// downstream; chunks are routed per the dispatcher type. A barrier
// carrying an Update for this dispatcher reconfigures the outputs after
// the barrier is forwarded.
func (d *Dispatcher) Dispatch(ctx context.Context, m *Message, resolve func(down uint32) *Channel) error {
	switch {
	case m.Barrier != nil:
		if err := d.broadcast(ctx, m); err != nil {
			return err
		}
		return d.applyBarrierUpdates(m.Barrier, resolve)
	case m.Watermark != nil:
		return d.broadcast(ctx, m)
	case m.Chunk != nil:
		metrics.ExchangeChunksTotal.WithLabelValues(string(d.typ)).Inc()
		return d.dispatchChunk(ctx, m.Chunk)
	}
	return nil
}

func (d *Dispatcher) broadcast(ctx context.Context, m *Message) error {
	d.mu.Lock()
	outputs := append([]*Channel(nil), d.outputs...)
	d.mu.Unlock()
	for _, out := range outputs {
		msg := m
		if m.Barrier != nil {
			msg = NewBarrierMessage(m.Barrier.Clone())
		}
		if err := out.Send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) applyBarrierUpdates(b *types.Barrier, resolve func(uint32) *Channel) error {
	var updates []types.DispatcherUpdate
	switch mut := b.Mutation.(type) {
	case types.UpdateMutation:
		updates = mut.Dispatchers
	case types.AddAndUpdateMutation:
		updates = mut.Update.Dispatchers
	default:
		return nil
	}
	for _, u := range updates {
		if u.DispatcherID != d.id {
			continue
		}
		d.applyUpdate(u, resolve)
	}
	return nil
}

func (d *Dispatcher) applyUpdate(u types.DispatcherUpdate, resolve func(uint32) *Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := make(map[uint32]struct{}, len(u.RemovedDownstream))
	for _, id := range u.RemovedDownstream {
		removed[id] = struct{}{}
	}
	var keep []*Channel
	for _, out := range d.outputs {
		if _, gone := removed[out.DownstreamActor()]; gone {
			out.Close()
			continue
		}
		keep = append(keep, out)
	}
	for _, id := range u.AddedDownstream {
		if ch := resolve(id); ch != nil {
			keep = append(keep, ch)
		}
	}
	d.outputs = keep
	if u.HashMapping != nil {
		d.hashMapping = u.HashMapping
	}
	d.sortOutputs()
}

func (d *Dispatcher) dispatchChunk(ctx context.Context, chunk *types.StreamChunk) error {
	d.mu.Lock()
	outputs := append([]*Channel(nil), d.outputs...)
	mapping := d.hashMapping
	d.mu.Unlock()

	if len(outputs) == 0 {
		return nil
	}

	switch d.typ {
	case types.DispatcherSimple, types.DispatcherNoShuffle:
		return outputs[0].Send(ctx, NewChunkMessage(chunk))

	case types.DispatcherBroadcast:
		for _, out := range outputs {
			if err := out.Send(ctx, NewChunkMessage(chunk)); err != nil {
				return err
			}
		}
		return nil

	case types.DispatcherRoundRobin:
		d.mu.Lock()
		idx := d.rrNext % len(outputs)
		d.rrNext++
		d.mu.Unlock()
		return outputs[idx].Send(ctx, NewChunkMessage(chunk))

	case types.DispatcherHash:
		return d.dispatchHash(ctx, chunk, outputs, mapping)
	}
	return fmt.Errorf("unknown dispatcher type %q", d.typ)
}

// dispatchHash splits the chunk by the owner actor of each row's vnode
func (d *Dispatcher) dispatchHash(ctx context.Context, chunk *types.StreamChunk, outputs []*Channel, mapping map[types.VirtualNode]uint32) error {
	byActor := make(map[uint32]*Channel, len(outputs))
	for _, out := range outputs {
		byActor[out.DownstreamActor()] = out
	}

	ops, rows := chunk.Rows()
	targets := make([]uint32, len(rows))
	for i, row := range rows {
		vnode := types.VnodeOf(row, d.distKey)
		actor, ok := mapping[vnode]
		if !ok {
			return fmt.Errorf("no owner for vnode %d in hash dispatcher %d", vnode, d.id)
		}
		targets[i] = actor
	}
	// An update pair whose key change moves it across actors degrades to
	// a bare delete + insert, since neither side sees the pair.
	for i := 0; i+1 < len(ops); i++ {
		if ops[i] == types.OpUpdateDelete && ops[i+1] == types.OpUpdateInsert && targets[i] != targets[i+1] {
			ops[i] = types.OpDelete
			ops[i+1] = types.OpInsert
		}
	}

	partOps := make(map[uint32][]types.Op)
	partRows := make(map[uint32][]types.Row)
	for i, row := range rows {
		partOps[targets[i]] = append(partOps[targets[i]], ops[i])
		partRows[targets[i]] = append(partRows[targets[i]], row)
	}

	// Deterministic downstream order.
	var actors []uint32
	for a := range partOps {
		actors = append(actors, a)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })
	for _, a := range actors {
		out, ok := byActor[a]
		if !ok {
			return fmt.Errorf("hash mapping targets unknown downstream actor %d", a)
		}
		part := types.NewStreamChunk(partOps[a], partRows[a])
		if err := out.Send(ctx, NewChunkMessage(part)); err != nil {
			return err
		}
	}
	return nil
}

// CloseOutputs closes every downstream edge (actor exit)
func (d *Dispatcher) CloseOutputs() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, out := range d.outputs {
		out.Close()
	}
}
