package stream

import (
	"context"

	hstore "github.com/freshet-io/freshet/pkg/hummock/store"
	"github.com/freshet-io/freshet/pkg/types"
)

// MaterializeExecutor is the terminal operator of a materialized view:
// it applies the consistent delta stream onto the MV's state table.
type MaterializeExecutor struct {
	input Executor
	state *hstore.StateTable

	initialized bool
}

// NewMaterializeExecutor creates a materialize operator
func NewMaterializeExecutor(input Executor, state *hstore.StateTable) *MaterializeExecutor {
	return &MaterializeExecutor{input: input, state: state}
}

// Next implements Executor
func (e *MaterializeExecutor) Next(ctx context.Context) (*Message, error) {
	msg, err := e.input.Next(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case msg.Barrier != nil:
		if !e.initialized {
			e.state.Init(msg.Barrier.Epoch.Curr)
			e.initialized = true
		} else {
			e.state.UpdateEpoch(msg.Barrier.Epoch.Curr)
		}
	case msg.Chunk != nil:
		ops, rows := msg.Chunk.Rows()
		for i, row := range rows {
			// Upserts resolve pk conflicts in favor of the newest write;
			// UpdateDelete needs no separate state write since its
			// UpdateInsert follows with the same pk.
			switch ops[i] {
			case types.OpInsert, types.OpUpdateInsert:
				if err := e.state.Upsert(row); err != nil {
					return nil, err
				}
			case types.OpDelete:
				if err := e.state.Delete(row); err != nil {
					return nil, err
				}
			case types.OpUpdateDelete:
				// Handled by the paired UpdateInsert unless the pk
				// changed, in which case the pair was degraded upstream.
			}
		}
	}
	return msg, nil
}

// Table exposes the MV's state table for serving reads
func (e *MaterializeExecutor) Table() *hstore.StateTable {
	return e.state
}
