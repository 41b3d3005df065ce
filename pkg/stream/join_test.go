package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hstore "github.com/freshet-io/freshet/pkg/hummock/store"
	"github.com/freshet-io/freshet/pkg/types"
)

func joinSetup(t *testing.T, typ JoinType) (*Channel, *Channel, *HashJoinExecutor) {
	t.Helper()
	node := newTestStoreNode(t)
	rowTypes := []types.DataType{types.TypeInt64, types.TypeInt64}

	leftState := hstore.NewStateTable(node, JoinStateSchema(50, rowTypes, []int{0}, []int{1}), nil)
	rightState := hstore.NewStateTable(node, JoinStateSchema(51, rowTypes, []int{0}, []int{1}), nil)

	left := NewChannel(1, 3, 64)
	right := NewChannel(2, 3, 64)
	e := NewHashJoinExecutor(left, right, typ,
		JoinSideSpec{KeyIdx: []int{0}, PKIdx: []int{1}, State: leftState, Width: 2},
		JoinSideSpec{KeyIdx: []int{0}, PKIdx: []int{1}, State: rightState, Width: 2},
	)
	return left, right, e
}

func pair(k, v int64) types.Row { return types.Row{k, v} }

func sendBoth(t *testing.T, ctx context.Context, left, right *Channel, b *types.Barrier) {
	t.Helper()
	require.NoError(t, left.Send(ctx, NewBarrierMessage(b)))
	require.NoError(t, right.Send(ctx, NewBarrierMessage(b.Clone())))
}

func TestHashJoinInner(t *testing.T) {
	ctx := context.Background()
	left, right, e := joinSetup(t, JoinInner)

	sendBoth(t, ctx, left, right, initialBarrierAt(1))

	require.NoError(t, left.Send(ctx, NewChunkMessage(chunk3fromPairs(types.OpInsert, pair(1, 100), pair(2, 200)))))
	require.NoError(t, right.Send(ctx, NewChunkMessage(chunk3fromPairs(types.OpInsert, pair(1, 900)))))
	sendBoth(t, ctx, left, right, checkpointAt(2))

	chunks := drainUntilBarrier(t, ctx, e, epochAt(2))
	emitted := applyDeltas(nil, chunks)
	assert.ElementsMatch(t, []types.Row{{int64(1), int64(100), int64(1), int64(900)}}, emitted)

	// Deleting the right row retracts the joined row.
	require.NoError(t, right.Send(ctx, NewChunkMessage(chunk3fromPairs(types.OpDelete, pair(1, 900)))))
	sendBoth(t, ctx, left, right, checkpointAt(3))
	chunks = drainUntilBarrier(t, ctx, e, epochAt(3))
	emitted = applyDeltas(emitted, chunks)
	assert.Empty(t, emitted)
}

func chunk3fromPairs(op types.Op, rows ...types.Row) *types.StreamChunk {
	ops := make([]types.Op, len(rows))
	for i := range ops {
		ops[i] = op
	}
	return types.NewStreamChunk(ops, rows)
}

func TestHashJoinLeftOuterTransitions(t *testing.T) {
	ctx := context.Background()
	left, right, e := joinSetup(t, JoinLeftOuter)

	sendBoth(t, ctx, left, right, initialBarrierAt(1))

	// Unmatched left row emits null-padded.
	require.NoError(t, left.Send(ctx, NewChunkMessage(chunk3fromPairs(types.OpInsert, pair(1, 100)))))
	sendBoth(t, ctx, left, right, checkpointAt(2))
	emitted := applyDeltas(nil, drainUntilBarrier(t, ctx, e, epochAt(2)))
	assert.ElementsMatch(t, []types.Row{{int64(1), int64(100), nil, nil}}, emitted)

	// First match replaces the padded row.
	require.NoError(t, right.Send(ctx, NewChunkMessage(chunk3fromPairs(types.OpInsert, pair(1, 900)))))
	sendBoth(t, ctx, left, right, checkpointAt(3))
	emitted = applyDeltas(emitted, drainUntilBarrier(t, ctx, e, epochAt(3)))
	assert.ElementsMatch(t, []types.Row{{int64(1), int64(100), int64(1), int64(900)}}, emitted)

	// Losing the last match restores the padded row.
	require.NoError(t, right.Send(ctx, NewChunkMessage(chunk3fromPairs(types.OpDelete, pair(1, 900)))))
	sendBoth(t, ctx, left, right, checkpointAt(4))
	emitted = applyDeltas(emitted, drainUntilBarrier(t, ctx, e, epochAt(4)))
	assert.ElementsMatch(t, []types.Row{{int64(1), int64(100), nil, nil}}, emitted)
}

func TestHashJoinSemiAnti(t *testing.T) {
	ctx := context.Background()

	t.Run("semi", func(t *testing.T) {
		left, right, e := joinSetup(t, JoinLeftSemi)
		sendBoth(t, ctx, left, right, initialBarrierAt(1))
		require.NoError(t, left.Send(ctx, NewChunkMessage(chunk3fromPairs(types.OpInsert, pair(1, 100)))))
		require.NoError(t, right.Send(ctx, NewChunkMessage(chunk3fromPairs(types.OpInsert, pair(1, 900)))))
		sendBoth(t, ctx, left, right, checkpointAt(2))
		emitted := applyDeltas(nil, drainUntilBarrier(t, ctx, e, epochAt(2)))
		assert.ElementsMatch(t, []types.Row{{int64(1), int64(100)}}, emitted)

		// Second right match must not duplicate the semi output.
		require.NoError(t, right.Send(ctx, NewChunkMessage(chunk3fromPairs(types.OpInsert, pair(1, 901)))))
		sendBoth(t, ctx, left, right, checkpointAt(3))
		emitted = applyDeltas(emitted, drainUntilBarrier(t, ctx, e, epochAt(3)))
		assert.ElementsMatch(t, []types.Row{{int64(1), int64(100)}}, emitted)
	})

	t.Run("anti", func(t *testing.T) {
		left, right, e := joinSetup(t, JoinLeftAnti)
		sendBoth(t, ctx, left, right, initialBarrierAt(1))
		require.NoError(t, left.Send(ctx, NewChunkMessage(chunk3fromPairs(types.OpInsert, pair(1, 100)))))
		sendBoth(t, ctx, left, right, checkpointAt(2))
		emitted := applyDeltas(nil, drainUntilBarrier(t, ctx, e, epochAt(2)))
		assert.ElementsMatch(t, []types.Row{{int64(1), int64(100)}}, emitted)

		// A match appearing retracts the anti row.
		require.NoError(t, right.Send(ctx, NewChunkMessage(chunk3fromPairs(types.OpInsert, pair(1, 900)))))
		sendBoth(t, ctx, left, right, checkpointAt(3))
		emitted = applyDeltas(emitted, drainUntilBarrier(t, ctx, e, epochAt(3)))
		assert.Empty(t, emitted)
	})
}

func TestTemporalJoin(t *testing.T) {
	ctx := context.Background()
	node := newTestStoreNode(t)

	lookup := hstore.NewStateTable(node, hstore.TableSchema{
		TableID:   55,
		Columns:   []types.DataType{types.TypeInt64, types.TypeUtf8},
		PKIndices: []int{0},
	}, nil)
	lookup.Init(epochAt(1))
	require.NoError(t, lookup.Upsert(types.Row{int64(1), "one"}))

	in := NewChannel(1, 2, 64)
	e := NewTemporalJoinExecutor(NewChannelExecutor(in), lookup, []int{0}, 2, true)

	// The barrier fixes the lookup epoch at prev = e1.
	require.NoError(t, in.Send(ctx, NewBarrierMessage(checkpointAt(2))))
	require.NoError(t, in.Send(ctx, NewChunkMessage(chunk3fromPairs(types.OpInsert, pair(1, 10), pair(2, 20)))))
	require.NoError(t, in.Send(ctx, NewBarrierMessage(checkpointAt(3))))

	chunks := drainUntilBarrier(t, ctx, e, epochAt(3))
	_, rows := rowsOf(chunks)
	assert.ElementsMatch(t, []types.Row{
		{int64(1), int64(10), int64(1), "one"},
		{int64(2), int64(20), nil, nil},
	}, rows)
}
