package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hstore "github.com/freshet-io/freshet/pkg/hummock/store"
	"github.com/freshet-io/freshet/pkg/types"
)

func row3(a, b, c int64) types.Row {
	return types.Row{a, b, c}
}

func chunk3(op types.Op, rows ...types.Row) *types.StreamChunk {
	ops := make([]types.Op, len(rows))
	for i := range ops {
		ops[i] = op
	}
	return types.NewStreamChunk(ops, rows)
}

// Group top-n with k=2, no offset: group by col1, order by col2.
func TestGroupTopN(t *testing.T) {
	ctx := context.Background()
	node := newTestStoreNode(t)
	state := hstore.NewStateTable(node, hstore.TableSchema{
		TableID:     30,
		Columns:     []types.DataType{types.TypeInt64, types.TypeInt64, types.TypeInt64},
		PKIndices:   []int{1, 0, 2}, // group key first so one group is a prefix scan
		DistKeyInPK: []int{0},
	}, nil)

	in := NewChannel(1, 2, 64)
	e := NewGroupTopNExecutor(NewChannelExecutor(in), []int{1}, []ColumnOrder{{Idx: 2}}, 0, 2, false, false, state, 0)

	require.NoError(t, in.Send(ctx, NewBarrierMessage(initialBarrierAt(1))))
	require.NoError(t, in.Send(ctx, NewChunkMessage(chunk3(types.OpInsert,
		row3(10, 9, 1), row3(8, 8, 2), row3(7, 8, 2), row3(9, 1, 1),
	))))
	require.NoError(t, in.Send(ctx, NewChunkMessage(chunk3(types.OpInsert,
		row3(10, 1, 1), row3(8, 1, 3),
	))))
	require.NoError(t, in.Send(ctx, NewBarrierMessage(checkpointAt(2))))

	chunks := drainUntilBarrier(t, ctx, e, epochAt(2))
	emitted := applyDeltas(nil, chunks)

	// The 8 1 3 row is outside k=2 of group 1.
	assert.ElementsMatch(t, []types.Row{
		row3(10, 9, 1), row3(8, 8, 2), row3(7, 8, 2), row3(9, 1, 1), row3(10, 1, 1),
	}, emitted)

	// Delete three rows; (8,1,3) enters group 1's window.
	require.NoError(t, in.Send(ctx, NewChunkMessage(chunk3(types.OpDelete,
		row3(10, 9, 1), row3(8, 8, 2), row3(10, 1, 1),
	))))
	require.NoError(t, in.Send(ctx, NewBarrierMessage(checkpointAt(3))))

	chunks = drainUntilBarrier(t, ctx, e, epochAt(3))
	emitted = applyDeltas(emitted, chunks)

	assert.ElementsMatch(t, []types.Row{
		row3(7, 8, 2), row3(9, 1, 1), row3(8, 1, 3),
	}, emitted)
}

// applyDeltas folds emitted chunks into the materialized row multiset
func applyDeltas(current []types.Row, chunks []*types.StreamChunk) []types.Row {
	rows := append([]types.Row{}, current...)
	for _, c := range chunks {
		ops, rs := c.Rows()
		for i, r := range rs {
			if ops[i].IsInsert() {
				rows = append(rows, r)
			} else {
				for j := range rows {
					if types.CompareRows(rows[j], r) == 0 {
						rows = append(rows[:j], rows[j+1:]...)
						break
					}
				}
			}
		}
	}
	return rows
}

func TestTopNWithTies(t *testing.T) {
	ctx := context.Background()
	in := NewChannel(1, 2, 64)
	// Stateless (nil table), plain top-n (no group key), k=2, with ties.
	e := NewGroupTopNExecutor(NewChannelExecutor(in), nil, []ColumnOrder{{Idx: 0}}, 0, 2, true, false, nil, 0)

	require.NoError(t, in.Send(ctx, NewBarrierMessage(initialBarrierAt(1))))
	require.NoError(t, in.Send(ctx, NewChunkMessage(chunk3(types.OpInsert,
		row3(1, 0, 0), row3(2, 0, 1), row3(2, 0, 2), row3(3, 0, 3),
	))))
	require.NoError(t, in.Send(ctx, NewBarrierMessage(checkpointAt(2))))

	chunks := drainUntilBarrier(t, ctx, e, epochAt(2))
	emitted := applyDeltas(nil, chunks)

	// k=2 would cut between the two 2s; WITH TIES keeps both.
	assert.ElementsMatch(t, []types.Row{
		row3(1, 0, 0), row3(2, 0, 1), row3(2, 0, 2),
	}, emitted)
}

func TestTopNAppendOnlyFastPath(t *testing.T) {
	ctx := context.Background()
	in := NewChannel(1, 2, 64)
	e := NewGroupTopNExecutor(NewChannelExecutor(in), nil, []ColumnOrder{{Idx: 0}}, 0, 3, false, true, nil, 0)

	require.NoError(t, in.Send(ctx, NewBarrierMessage(initialBarrierAt(1))))
	require.NoError(t, in.Send(ctx, NewChunkMessage(chunk3(types.OpInsert,
		row3(5, 0, 0), row3(3, 0, 1), row3(8, 0, 2), row3(1, 0, 3), row3(9, 0, 4),
	))))
	require.NoError(t, in.Send(ctx, NewBarrierMessage(checkpointAt(2))))

	chunks := drainUntilBarrier(t, ctx, e, epochAt(2))
	emitted := applyDeltas(nil, chunks)

	assert.ElementsMatch(t, []types.Row{
		row3(1, 0, 3), row3(3, 0, 1), row3(5, 0, 0),
	}, emitted)
}
