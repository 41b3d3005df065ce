package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hstore "github.com/freshet-io/freshet/pkg/hummock/store"
	"github.com/freshet-io/freshet/pkg/types"
)

// The now() pattern: right side emits a monotonically increasing scalar
// once per epoch; predicate col < now(). The relaxation path must emit
// every satisfying row exactly once, as inserts, with no deletes.
func TestDynamicFilterWithNow(t *testing.T) {
	ctx := context.Background()
	node := newTestStoreNode(t)
	state := hstore.NewStateTable(node, hstore.TableSchema{
		TableID:   40,
		Columns:   []types.DataType{types.TypeInt64},
		PKIndices: []int{0},
	}, nil)

	left := NewChannel(1, 3, 64)
	right := NewChannel(2, 3, 64)
	e := NewDynamicFilterExecutor(left, right, 0, CmpLt, true, state)

	const t0 = int64(1000)
	const t1 = int64(2000)

	// Epoch 1: rows around t0 arrive, then the threshold t0.
	require.NoError(t, left.Send(ctx, NewBarrierMessage(initialBarrierAt(1))))
	require.NoError(t, right.Send(ctx, NewBarrierMessage(initialBarrierAt(1))))

	require.NoError(t, left.Send(ctx, NewChunkMessage(chunkOf(types.OpInsert, t0-1, t0+1))))
	require.NoError(t, right.Send(ctx, NewChunkMessage(chunkOf(types.OpInsert, t0))))
	require.NoError(t, left.Send(ctx, NewBarrierMessage(checkpointAt(2))))
	require.NoError(t, right.Send(ctx, NewBarrierMessage(checkpointAt(2))))

	chunks := drainUntilBarrier(t, ctx, e, epochAt(2))

	// Epoch 2: more rows, then threshold advances to t1.
	require.NoError(t, left.Send(ctx, NewChunkMessage(chunkOf(types.OpInsert, t1-1, t1+1))))
	require.NoError(t, right.Send(ctx, NewChunkMessage(chunkOf(types.OpInsert, t1))))
	require.NoError(t, left.Send(ctx, NewBarrierMessage(checkpointAt(3))))
	require.NoError(t, right.Send(ctx, NewBarrierMessage(checkpointAt(3))))

	chunks = append(chunks, drainUntilBarrier(t, ctx, e, epochAt(3))...)

	ops, rows := rowsOf(chunks)
	var values []int64
	for i, r := range rows {
		assert.True(t, ops[i].IsInsert(), "relaxed dynamic filter must never delete")
		values = append(values, r[0].(int64))
	}
	assert.ElementsMatch(t, []int64{t0 - 1, t0 + 1, t1 - 1}, values)
}

func TestDynamicFilterEmitsDeletesWhenNotRelaxed(t *testing.T) {
	ctx := context.Background()
	node := newTestStoreNode(t)
	state := hstore.NewStateTable(node, hstore.TableSchema{
		TableID:   41,
		Columns:   []types.DataType{types.TypeInt64},
		PKIndices: []int{0},
	}, nil)

	left := NewChannel(1, 3, 64)
	right := NewChannel(2, 3, 64)
	e := NewDynamicFilterExecutor(left, right, 0, CmpGt, false, state)

	require.NoError(t, left.Send(ctx, NewBarrierMessage(initialBarrierAt(1))))
	require.NoError(t, right.Send(ctx, NewBarrierMessage(initialBarrierAt(1))))

	// Threshold 10: rows 20, 30 satisfy col > 10.
	require.NoError(t, left.Send(ctx, NewChunkMessage(chunkOf(types.OpInsert, 5, 20, 30))))
	require.NoError(t, right.Send(ctx, NewChunkMessage(chunkOf(types.OpInsert, 10))))
	require.NoError(t, left.Send(ctx, NewBarrierMessage(checkpointAt(2))))
	require.NoError(t, right.Send(ctx, NewBarrierMessage(checkpointAt(2))))
	chunks := drainUntilBarrier(t, ctx, e, epochAt(2))

	// Threshold rises to 25: row 20 stops satisfying and is retracted.
	require.NoError(t, right.Send(ctx, NewChunkMessage(chunkOf(types.OpInsert, 25))))
	require.NoError(t, left.Send(ctx, NewBarrierMessage(checkpointAt(3))))
	require.NoError(t, right.Send(ctx, NewBarrierMessage(checkpointAt(3))))
	chunks = append(chunks, drainUntilBarrier(t, ctx, e, epochAt(3))...)

	emitted := applyDeltas(nil, chunks)
	var values []int64
	for _, r := range emitted {
		values = append(values, r[0].(int64))
	}
	assert.ElementsMatch(t, []int64{30}, values)
}

func TestDynamicFilterWatermarkCleanup(t *testing.T) {
	ctx := context.Background()
	node := newTestStoreNode(t)
	state := hstore.NewStateTable(node, hstore.TableSchema{
		TableID:   42,
		Columns:   []types.DataType{types.TypeInt64},
		PKIndices: []int{0},
	}, nil)

	left := NewChannel(1, 3, 64)
	right := NewChannel(2, 3, 64)
	e := NewDynamicFilterExecutor(left, right, 0, CmpLt, true, state)

	require.NoError(t, left.Send(ctx, NewBarrierMessage(initialBarrierAt(1))))
	require.NoError(t, right.Send(ctx, NewBarrierMessage(initialBarrierAt(1))))
	require.NoError(t, left.Send(ctx, NewChunkMessage(chunkOf(types.OpInsert, 100, 200, 300))))
	require.NoError(t, left.Send(ctx, NewBarrierMessage(checkpointAt(2))))
	require.NoError(t, right.Send(ctx, NewBarrierMessage(checkpointAt(2))))
	drainUntilBarrier(t, ctx, e, epochAt(2))

	// A right watermark at 250 lets rows below it be dropped from state.
	require.NoError(t, right.Send(ctx, NewWatermarkMessage(&types.Watermark{ColIdx: 0, Type: types.TypeInt64, Value: int64(250)})))
	require.NoError(t, left.Send(ctx, NewBarrierMessage(checkpointAt(3))))
	require.NoError(t, right.Send(ctx, NewBarrierMessage(checkpointAt(3))))
	drainUntilBarrier(t, ctx, e, epochAt(3))

	rows, err := state.ScanOwned(ctx, state.Epoch())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(300), rows[0][0])
}
