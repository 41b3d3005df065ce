package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshet-io/freshet/pkg/types"
)

func TestMergerAlignsBarriers(t *testing.T) {
	ctx := context.Background()
	in1 := NewChannel(1, 10, 16)
	in2 := NewChannel(2, 10, 16)
	m := NewMerger([]*Channel{in1, in2})

	// Input 1 races ahead: chunk, barrier, then more chunks for the next
	// epoch. Input 2 lags with its chunk and barrier.
	require.NoError(t, in1.Send(ctx, NewChunkMessage(chunkOf(types.OpInsert, 1))))
	require.NoError(t, in1.Send(ctx, NewBarrierMessage(checkpointAt(1))))
	require.NoError(t, in1.Send(ctx, NewChunkMessage(chunkOf(types.OpInsert, 3))))
	require.NoError(t, in2.Send(ctx, NewChunkMessage(chunkOf(types.OpInsert, 2))))
	require.NoError(t, in2.Send(ctx, NewBarrierMessage(checkpointAt(1))))

	var got []*Message
	for i := 0; i < 3; i++ {
		msg, err := m.Next(ctx)
		require.NoError(t, err)
		got = append(got, msg)
	}

	// Both pre-barrier chunks arrive before the single aligned barrier.
	assert.NotNil(t, got[0].Chunk)
	assert.NotNil(t, got[1].Chunk)
	require.True(t, got[2].IsBarrier())
	assert.Equal(t, epochAt(1), got[2].Barrier.Epoch.Curr)

	// The fast input's post-barrier chunk only surfaces afterwards.
	msg, err := m.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg.Chunk)
	assert.Equal(t, int64(3), msg.Chunk.Row(0)[0])
}

func TestMergerParksFastInput(t *testing.T) {
	// A chunk sent after a barrier on the fast input must not surface
	// until the slow input catches up.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	in1 := NewChannel(1, 10, 16)
	in2 := NewChannel(2, 10, 16)
	m := NewMerger([]*Channel{in1, in2})

	require.NoError(t, in1.Send(ctx, NewBarrierMessage(checkpointAt(1))))
	require.NoError(t, in1.Send(ctx, NewChunkMessage(chunkOf(types.OpInsert, 99))))

	done := make(chan *Message, 1)
	go func() {
		msg, err := m.Next(ctx)
		if err == nil {
			done <- msg
		}
	}()

	select {
	case <-done:
		t.Fatal("merger emitted before alignment")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, in2.Send(ctx, NewBarrierMessage(checkpointAt(1))))
	msg := <-done
	assert.True(t, msg.IsBarrier())
}

func TestMergerEndOfStream(t *testing.T) {
	ctx := context.Background()
	in1 := NewChannel(1, 10, 16)
	m := NewMerger([]*Channel{in1})

	require.NoError(t, in1.Send(ctx, NewChunkMessage(chunkOf(types.OpInsert, 1))))
	in1.Close()

	msg, err := m.Next(ctx)
	require.NoError(t, err)
	assert.NotNil(t, msg.Chunk)

	_, err = m.Next(ctx)
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestAlignedStreamTagsSides(t *testing.T) {
	ctx := context.Background()
	left := NewChannel(1, 10, 16)
	right := NewChannel(2, 10, 16)
	a := NewAlignedStream(left, right)

	require.NoError(t, right.Send(ctx, NewChunkMessage(chunkOf(types.OpInsert, 7))))
	am, err := a.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, SideRight, am.Side)

	// One side's barrier parks it; the other still flows.
	require.NoError(t, right.Send(ctx, NewBarrierMessage(checkpointAt(1))))
	require.NoError(t, left.Send(ctx, NewChunkMessage(chunkOf(types.OpInsert, 8))))
	am, err = a.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, SideLeft, am.Side)
	assert.NotNil(t, am.Msg.Chunk)

	require.NoError(t, left.Send(ctx, NewBarrierMessage(checkpointAt(1))))
	am, err = a.Next(ctx)
	require.NoError(t, err)
	require.True(t, am.Msg.IsBarrier())
	assert.Equal(t, epochAt(1), am.Msg.Barrier.Epoch.Curr)
}

func TestDispatcherBroadcastClonesBarrier(t *testing.T) {
	ctx := context.Background()
	out1 := NewChannel(1, 2, 16)
	out2 := NewChannel(1, 3, 16)
	d := NewDispatcher(0, types.DispatcherBroadcast, nil, []*Channel{out1, out2}, nil)

	require.NoError(t, d.Dispatch(ctx, NewBarrierMessage(checkpointAt(1)), nil))

	m1, _, err := out1.Recv(ctx)
	require.NoError(t, err)
	m2, _, err := out2.Recv(ctx)
	require.NoError(t, err)
	require.True(t, m1.IsBarrier())
	require.True(t, m2.IsBarrier())
	// Each downstream gets its own copy.
	assert.NotSame(t, m1.Barrier, m2.Barrier)
}

func TestDispatcherRoundRobin(t *testing.T) {
	ctx := context.Background()
	out1 := NewChannel(1, 2, 16)
	out2 := NewChannel(1, 3, 16)
	d := NewDispatcher(0, types.DispatcherRoundRobin, nil, []*Channel{out1, out2}, nil)

	require.NoError(t, d.Dispatch(ctx, NewChunkMessage(chunkOf(types.OpInsert, 1)), nil))
	require.NoError(t, d.Dispatch(ctx, NewChunkMessage(chunkOf(types.OpInsert, 2)), nil))
	require.NoError(t, d.Dispatch(ctx, NewChunkMessage(chunkOf(types.OpInsert, 3)), nil))

	m, _, err := out1.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Chunk.Row(0)[0])
	m, _, err = out2.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Chunk.Row(0)[0])
	m, _, err = out1.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.Chunk.Row(0)[0])
}

func TestDispatcherHashRoutesByVnode(t *testing.T) {
	ctx := context.Background()
	out1 := NewChannel(1, 2, 64)
	out2 := NewChannel(1, 3, 64)

	// Split vnode ownership evenly between the two downstream actors.
	mapping := make(map[types.VirtualNode]uint32, types.VnodeCount)
	for v := 0; v < types.VnodeCount; v++ {
		if v < types.VnodeCount/2 {
			mapping[types.VirtualNode(v)] = 2
		} else {
			mapping[types.VirtualNode(v)] = 3
		}
	}
	d := NewDispatcher(0, types.DispatcherHash, []int{0}, []*Channel{out1, out2}, mapping)

	require.NoError(t, d.Dispatch(ctx, NewChunkMessage(chunkOf(types.OpInsert, 1, 2, 3, 4, 5, 6, 7, 8)), nil))

	// Every row lands exactly once, on the owner of its vnode.
	total := 0
	for _, out := range []*Channel{out1, out2} {
		select {
		case m := <-out.Raw():
			_, rows := m.Chunk.Rows()
			for _, row := range rows {
				vnode := types.VnodeOf(row, []int{0})
				assert.Equal(t, out.DownstreamActor(), mapping[vnode])
			}
			total += len(rows)
		default:
		}
	}
	assert.Equal(t, 8, total)
}

func TestDispatcherUpdateRewiresAfterBarrier(t *testing.T) {
	ctx := context.Background()
	out1 := NewChannel(1, 2, 16)
	d := NewDispatcher(7, types.DispatcherSimple, nil, []*Channel{out1}, nil)

	newOut := NewChannel(1, 4, 16)
	resolve := func(down uint32) *Channel {
		if down == 4 {
			return newOut
		}
		return nil
	}

	b := testBarrier(1, types.BarrierKindCheckpoint, types.UpdateMutation{
		Dispatchers: []types.DispatcherUpdate{{
			ActorID:           1,
			DispatcherID:      7,
			AddedDownstream:   []uint32{4},
			RemovedDownstream: []uint32{2},
		}},
	})
	require.NoError(t, d.Dispatch(ctx, NewBarrierMessage(b), resolve))

	// The barrier still went to the old output before the rewire.
	m, _, err := out1.Recv(ctx)
	require.NoError(t, err)
	assert.True(t, m.IsBarrier())

	// Chunks after the barrier go to the new downstream only.
	require.NoError(t, d.Dispatch(ctx, NewChunkMessage(chunkOf(types.OpInsert, 5)), resolve))
	m, _, err = newOut.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.Chunk.Row(0)[0])

	// The removed edge is closed.
	_, ok, err := out1.Recv(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
