package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/freshet-io/freshet/pkg/hummock"
	hstore "github.com/freshet-io/freshet/pkg/hummock/store"
	"github.com/freshet-io/freshet/pkg/hummock/sstable"
	"github.com/freshet-io/freshet/pkg/objstore"
	"github.com/freshet-io/freshet/pkg/types"
)

// Shared helpers for the stream package tests.

func epochAt(i int) types.Epoch {
	return types.NewEpoch(time.UnixMilli(int64(i) * 1000))
}

func testBarrier(i int, kind types.BarrierKind, mut types.Mutation) *types.Barrier {
	return &types.Barrier{
		Epoch:    types.NewEpochPair(epochAt(i-1), epochAt(i)),
		Kind:     kind,
		Mutation: mut,
	}
}

func checkpointAt(i int) *types.Barrier {
	return testBarrier(i, types.BarrierKindCheckpoint, nil)
}

func initialBarrierAt(i int) *types.Barrier {
	return testBarrier(i, types.BarrierKindInitial, nil)
}

func chunkOf(op types.Op, vals ...int64) *types.StreamChunk {
	ops := make([]types.Op, len(vals))
	rows := make([]types.Row, len(vals))
	for i, v := range vals {
		ops[i] = op
		rows[i] = types.Row{v}
	}
	return types.NewStreamChunk(ops, rows)
}

func newTestStoreNode(t *testing.T) *hstore.Node {
	t.Helper()
	sstStore, err := sstable.NewStore(objstore.NewMemObjectStore(), sstable.StoreConfig{
		BlockCacheCapacity: 1 << 20,
		MetaCacheCapacity:  1 << 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { sstStore.Close() })
	return hstore.NewNode(sstStore, hummock.NewVersionUpdater(hummock.NewInitialVersion()), &hstore.LocalIDAllocator{}, hstore.Config{
		BlockSize:            256,
		SharedBufferCapacity: 1 << 20,
	})
}

// drainUntilBarrier pulls messages from an executor until a barrier with
// the given curr epoch is seen; returns all chunks observed.
func drainUntilBarrier(t *testing.T, ctx context.Context, e Executor, epoch types.Epoch) []*types.StreamChunk {
	t.Helper()
	var chunks []*types.StreamChunk
	for {
		msg, err := e.Next(ctx)
		require.NoError(t, err)
		if msg.Chunk != nil {
			chunks = append(chunks, msg.Chunk)
		}
		if msg.IsBarrier() && msg.Barrier.Epoch.Curr == epoch {
			return chunks
		}
	}
}

// rowsOf flattens chunks into (op, row) pairs
func rowsOf(chunks []*types.StreamChunk) ([]types.Op, []types.Row) {
	var ops []types.Op
	var rows []types.Row
	for _, c := range chunks {
		o, r := c.Rows()
		ops = append(ops, o...)
		rows = append(rows, r...)
	}
	return ops, rows
}
