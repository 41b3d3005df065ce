package stream

import (
	"context"
	"fmt"

	hstore "github.com/freshet-io/freshet/pkg/hummock/store"
	"github.com/freshet-io/freshet/pkg/types"
)

// CompareOp is the relational predicate of a dynamic filter
type CompareOp string

const (
	CmpLt CompareOp = "<"
	CmpLe CompareOp = "<="
	CmpGt CompareOp = ">"
	CmpGe CompareOp = ">="
)

func (op CompareOp) eval(left, right types.Datum) bool {
	if left == nil || right == nil {
		return false
	}
	c := types.CompareDatum(left, right)
	switch op {
	case CmpLt:
		return c < 0
	case CmpLe:
		return c <= 0
	case CmpGt:
		return c > 0
	case CmpGe:
		return c >= 0
	}
	return false
}

// DynamicFilterExecutor filters its left input by a predicate against a
// scalar threshold produced by the right input (at most one value per
// epoch). When the right side is known monotonically non-decreasing and
// the predicate is < or <= (the now() pattern), the operator runs in the
// condition-always-relax mode: the output stays append-only and no
// deletes are ever emitted.
type DynamicFilterExecutor struct {
	aligned *AlignedStream
	// colIdx is the left column compared against the threshold
	colIdx int
	op     CompareOp
	// alwaysRelax marks the monotonic fast path
	alwaysRelax bool
	state       *hstore.StateTable

	threshold        types.Datum
	pendingThreshold types.Datum
	havePending      bool

	queue       []*Message
	initialized bool
}

// NewDynamicFilterExecutor creates a dynamic filter. state persists the
// left rows so threshold shifts can emit the exact delta.
func NewDynamicFilterExecutor(left, right *Channel, colIdx int, op CompareOp, alwaysRelax bool, state *hstore.StateTable) *DynamicFilterExecutor {
	return &DynamicFilterExecutor{
		aligned:     NewAlignedStream(left, right),
		colIdx:      colIdx,
		op:          op,
		alwaysRelax: alwaysRelax,
		state:       state,
	}
}

// Next implements Executor
func (e *DynamicFilterExecutor) Next(ctx context.Context) (*Message, error) {
	for {
		if len(e.queue) > 0 {
			msg := e.queue[0]
			e.queue = e.queue[1:]
			return msg, nil
		}
		am, err := e.aligned.Next(ctx)
		if err != nil {
			return nil, err
		}
		msg := am.Msg
		switch {
		case msg.Barrier != nil:
			if err := e.handleBarrier(ctx, msg.Barrier); err != nil {
				return nil, err
			}
			// The delta of a threshold shift belongs to the closing
			// epoch, so it precedes the barrier in the queue.
			e.queue = append(e.queue, msg)
			continue
		case msg.Watermark != nil:
			if am.Side == SideRight {
				if err := e.cleanupBelow(ctx, msg.Watermark.Value); err != nil {
					return nil, err
				}
				continue
			}
			return msg, nil
		case msg.Chunk == nil:
			continue
		}

		if am.Side == SideRight {
			e.applyRight(msg.Chunk)
			continue
		}
		out, err := e.applyLeft(ctx, msg.Chunk)
		if err != nil {
			return nil, err
		}
		if out == nil {
			continue
		}
		return NewChunkMessage(out), nil
	}
}

// applyRight records the epoch's new threshold; it takes effect at the
// next barrier.
func (e *DynamicFilterExecutor) applyRight(chunk *types.StreamChunk) {
	ops, rows := chunk.Rows()
	for i, row := range rows {
		if ops[i].IsInsert() {
			e.pendingThreshold = row[0]
			e.havePending = true
		}
	}
}

// applyLeft persists every left row and forwards the ones satisfying the
// current predicate.
func (e *DynamicFilterExecutor) applyLeft(ctx context.Context, chunk *types.StreamChunk) (*types.StreamChunk, error) {
	ops, rows := chunk.Rows()
	var outOps []types.Op
	var outRows []types.Row
	for i, row := range rows {
		if e.state != nil {
			var err error
			if ops[i].IsInsert() {
				err = e.state.Upsert(row)
			} else {
				err = e.state.Delete(row)
			}
			if err != nil {
				return nil, err
			}
		}
		if e.op.eval(row[e.colIdx], e.threshold) {
			outOps = append(outOps, ops[i])
			outRows = append(outRows, row)
		}
	}
	if len(outRows) == 0 {
		return nil, nil
	}
	return types.NewStreamChunk(outOps, outRows), nil
}

func (e *DynamicFilterExecutor) handleBarrier(ctx context.Context, b *types.Barrier) error {
	if e.state != nil {
		if !e.initialized {
			e.state.Init(b.Epoch.Curr)
			e.initialized = true
		}
	}
	if e.havePending {
		if err := e.shiftThreshold(ctx, e.pendingThreshold); err != nil {
			return err
		}
		e.havePending = false
	}
	if e.state != nil {
		e.state.UpdateEpoch(b.Epoch.Curr)
	}
	return nil
}

// shiftThreshold emits the delta between the old and new thresholds from
// the persisted left rows.
func (e *DynamicFilterExecutor) shiftThreshold(ctx context.Context, next types.Datum) error {
	old := e.threshold
	e.threshold = next
	if e.state == nil {
		return nil
	}
	if old != nil && types.CompareDatum(old, next) == 0 {
		return nil
	}
	rows, err := e.state.ScanOwned(ctx, e.state.Epoch())
	if err != nil {
		return err
	}
	var outOps []types.Op
	var outRows []types.Row
	for _, row := range rows {
		was := e.op.eval(row[e.colIdx], old)
		is := e.op.eval(row[e.colIdx], next)
		switch {
		case !was && is:
			outOps = append(outOps, types.OpInsert)
			outRows = append(outRows, row)
		case was && !is:
			if e.alwaysRelax {
				return types.Protocol(fmt.Errorf("relaxed dynamic filter would retract: threshold regressed"))
			}
			outOps = append(outOps, types.OpDelete)
			outRows = append(outRows, row)
		}
	}
	if len(outRows) > 0 {
		e.queue = append(e.queue, NewChunkMessage(types.NewStreamChunk(outOps, outRows)))
	}
	return nil
}

// cleanupBelow drops persisted left rows below the right watermark; they
// can never change the output again.
func (e *DynamicFilterExecutor) cleanupBelow(ctx context.Context, bound types.Datum) error {
	if e.state == nil {
		return nil
	}
	rows, err := e.state.ScanOwned(ctx, e.state.Epoch())
	if err != nil {
		return err
	}
	for _, row := range rows {
		if types.CompareDatum(row[e.colIdx], bound) < 0 {
			if err := e.state.Delete(row); err != nil {
				return err
			}
		}
	}
	return nil
}
