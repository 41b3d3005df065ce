package stream

import (
	"context"
	"fmt"

	hstore "github.com/freshet-io/freshet/pkg/hummock/store"
	"github.com/freshet-io/freshet/pkg/types"
)

// JoinType selects the join semantics
type JoinType string

const (
	JoinInner     JoinType = "inner"
	JoinLeftOuter JoinType = "left_outer"
	JoinRightOuter JoinType = "right_outer"
	JoinFullOuter JoinType = "full_outer"
	JoinLeftSemi  JoinType = "left_semi"
	JoinLeftAnti  JoinType = "left_anti"
)

// JoinSideSpec describes one input of a hash join
type JoinSideSpec struct {
	// KeyIdx indexes the join-key columns in this side's rows
	KeyIdx []int
	// PKIdx indexes the primary-key columns (for state addressing)
	PKIdx []int
	// State persists this side's rows keyed (join key, pk)
	State *hstore.StateTable
	// Width is the column count, for null padding
	Width int
}

// JoinStateSchema is the layout of a join side's state table: the columns
// are the whole row, and the pk (join key columns, then the row's pk
// columns) indexes into it.
func JoinStateSchema(tableID uint32, rowTypes []types.DataType, keyIdx, pkIdx []int) hstore.TableSchema {
	// PK of the state table = (join key, row pk) so one key's rows are a
	// prefix scan.
	pk := append(append([]int(nil), keyIdx...), pkIdx...)
	dist := make([]int, len(keyIdx))
	for i := range keyIdx {
		dist[i] = i
	}
	return hstore.TableSchema{TableID: tableID, Columns: rowTypes, PKIndices: pk, DistKeyInPK: dist}
}

type joinRow struct {
	row types.Row
	// degree counts matches on the opposite side
	degree int64
}

type joinEntry struct {
	// rows keyed by encoded pk
	rows map[string]*joinRow
}

type joinSide struct {
	spec  JoinSideSpec
	cache map[string]*joinEntry
}

func (s *joinSide) key(row types.Row) string {
	return string(types.EncodeRow(nil, row.Project(s.spec.KeyIdx)))
}

func (s *joinSide) pk(row types.Row) string {
	return string(types.EncodeRow(nil, row.Project(s.spec.PKIdx)))
}

// HashJoinExecutor maintains both sides materialized by join key and
// emits consistent deltas for the configured join type.
type HashJoinExecutor struct {
	aligned *AlignedStream
	typ     JoinType
	left    *joinSide
	right   *joinSide

	initialized bool
}

// NewHashJoinExecutor creates a hash join over two aligned inputs
func NewHashJoinExecutor(leftIn, rightIn *Channel, typ JoinType, left, right JoinSideSpec) *HashJoinExecutor {
	return &HashJoinExecutor{
		aligned: NewAlignedStream(leftIn, rightIn),
		typ:     typ,
		left:    &joinSide{spec: left, cache: make(map[string]*joinEntry)},
		right:   &joinSide{spec: right, cache: make(map[string]*joinEntry)},
	}
}

func (e *HashJoinExecutor) entry(ctx context.Context, side *joinSide, keyStr string, keyRow types.Row) (*joinEntry, error) {
	if ent, ok := side.cache[keyStr]; ok {
		return ent, nil
	}
	ent := &joinEntry{rows: make(map[string]*joinRow)}
	if side.spec.State != nil {
		vnode := side.spec.State.VnodeOfPK(keyRow)
		rows, err := side.spec.State.IterPrefix(ctx, vnode, keyRow, side.spec.State.Epoch())
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			ent.rows[side.pk(row)] = &joinRow{row: row}
		}
	}
	side.cache[keyStr] = ent
	return ent, nil
}

// Next implements Executor
func (e *HashJoinExecutor) Next(ctx context.Context) (*Message, error) {
	for {
		am, err := e.aligned.Next(ctx)
		if err != nil {
			return nil, err
		}
		msg := am.Msg
		switch {
		case msg.Barrier != nil:
			e.handleBarrier(msg.Barrier)
			return msg, nil
		case msg.Chunk != nil:
			out, err := e.applyChunk(ctx, am.Side, msg.Chunk)
			if err != nil {
				return nil, err
			}
			if out == nil {
				continue
			}
			return NewChunkMessage(out), nil
		default:
			// Watermarks pass through from either side.
			return msg, nil
		}
	}
}

func (e *HashJoinExecutor) handleBarrier(b *types.Barrier) {
	for _, side := range []*joinSide{e.left, e.right} {
		if side.spec.State == nil {
			continue
		}
		if !e.initialized {
			side.spec.State.Init(b.Epoch.Curr)
		} else {
			side.spec.State.UpdateEpoch(b.Epoch.Curr)
		}
	}
	e.initialized = true
}

func (e *HashJoinExecutor) applyChunk(ctx context.Context, side Side, chunk *types.StreamChunk) (*types.StreamChunk, error) {
	ops, rows := chunk.Rows()
	var outOps []types.Op
	var outRows []types.Row

	for i, row := range rows {
		insert := ops[i].IsInsert()
		var o []types.Op
		var r []types.Row
		var err error
		if side == SideLeft {
			o, r, err = e.applyLeft(ctx, row, insert)
		} else {
			o, r, err = e.applyRight(ctx, row, insert)
		}
		if err != nil {
			return nil, err
		}
		outOps = append(outOps, o...)
		outRows = append(outRows, r...)
	}
	if len(outRows) == 0 {
		return nil, nil
	}
	return types.NewStreamChunk(outOps, outRows), nil
}

func joined(left, right types.Row) types.Row {
	out := append(types.Row{}, left...)
	return append(out, right...)
}

func nullPadded(left types.Row, rightWidth int) types.Row {
	out := append(types.Row{}, left...)
	for i := 0; i < rightWidth; i++ {
		out = append(out, nil)
	}
	return out
}

func nullPaddedLeft(right types.Row, leftWidth int) types.Row {
	out := make(types.Row, leftWidth, leftWidth+len(right))
	return append(out, right...)
}

// applyLeft processes one left-side row mutation
func (e *HashJoinExecutor) applyLeft(ctx context.Context, row types.Row, insert bool) ([]types.Op, []types.Row, error) {
	keyRow := row.Project(e.left.spec.KeyIdx)
	keyStr := string(types.EncodeRow(nil, keyRow))

	lent, err := e.entry(ctx, e.left, keyStr, keyRow)
	if err != nil {
		return nil, nil, err
	}
	rent, err := e.entry(ctx, e.right, keyStr, keyRow)
	if err != nil {
		return nil, nil, err
	}

	var ops []types.Op
	var out []types.Row
	matches := int64(len(rent.rows))

	// Maintain left state.
	pkStr := e.left.pk(row)
	if insert {
		jr := &joinRow{row: row.Clone(), degree: matches}
		lent.rows[pkStr] = jr
		if e.left.spec.State != nil {
			if err := e.left.spec.State.Upsert(row); err != nil {
				return nil, nil, err
			}
		}
	} else {
		delete(lent.rows, pkStr)
		if e.left.spec.State != nil {
			if err := e.left.spec.State.Delete(row); err != nil {
				return nil, nil, err
			}
		}
	}

	op := types.OpInsert
	if !insert {
		op = types.OpDelete
	}

	switch e.typ {
	case JoinInner:
		for _, rr := range rent.rows {
			ops = append(ops, op)
			out = append(out, joined(row, rr.row))
		}
	case JoinLeftOuter, JoinFullOuter:
		if matches == 0 {
			ops = append(ops, op)
			out = append(out, nullPadded(row, e.right.spec.Width))
		} else {
			for _, rr := range rent.rows {
				ops = append(ops, op)
				out = append(out, joined(row, rr.row))
			}
		}
		// Right rows gaining/losing their first left match flip their
		// null-padded output in full outer joins.
		if e.typ == JoinFullOuter {
			for _, rr := range rent.rows {
				if insert {
					rr.degree++
					if rr.degree == 1 {
						ops = append(ops, types.OpDelete)
						out = append(out, nullPaddedLeft(rr.row, e.left.spec.Width))
					}
				} else {
					rr.degree--
					if rr.degree == 0 {
						ops = append(ops, types.OpInsert)
						out = append(out, nullPaddedLeft(rr.row, e.left.spec.Width))
					}
				}
			}
		}
	case JoinRightOuter:
		for _, rr := range rent.rows {
			if insert {
				rr.degree++
				if rr.degree == 1 {
					ops = append(ops, types.OpUpdateDelete, types.OpUpdateInsert)
					out = append(out, nullPaddedLeft(rr.row, e.left.spec.Width), joined(row, rr.row))
				} else {
					ops = append(ops, types.OpInsert)
					out = append(out, joined(row, rr.row))
				}
			} else {
				rr.degree--
				if rr.degree == 0 {
					ops = append(ops, types.OpUpdateDelete, types.OpUpdateInsert)
					out = append(out, joined(row, rr.row), nullPaddedLeft(rr.row, e.left.spec.Width))
				} else {
					ops = append(ops, types.OpDelete)
					out = append(out, joined(row, rr.row))
				}
			}
		}
	case JoinLeftSemi:
		if matches > 0 {
			ops = append(ops, op)
			out = append(out, row.Clone())
		}
	case JoinLeftAnti:
		if matches == 0 {
			ops = append(ops, op)
			out = append(out, row.Clone())
		}
	default:
		return nil, nil, fmt.Errorf("unsupported join type %q", e.typ)
	}

	// Inner and left-outer joins also keep the matched right rows' degrees current.
	if e.typ == JoinInner || e.typ == JoinLeftOuter {
		for _, rr := range rent.rows {
			if insert {
				rr.degree++
			} else {
				rr.degree--
			}
		}
	}
	return ops, out, nil
}

// applyRight processes one right-side row mutation
func (e *HashJoinExecutor) applyRight(ctx context.Context, row types.Row, insert bool) ([]types.Op, []types.Row, error) {
	keyRow := row.Project(e.right.spec.KeyIdx)
	keyStr := string(types.EncodeRow(nil, keyRow))

	lent, err := e.entry(ctx, e.left, keyStr, keyRow)
	if err != nil {
		return nil, nil, err
	}
	rent, err := e.entry(ctx, e.right, keyStr, keyRow)
	if err != nil {
		return nil, nil, err
	}

	pkStr := e.right.pk(row)
	if insert {
		rent.rows[pkStr] = &joinRow{row: row.Clone(), degree: int64(len(lent.rows))}
		if e.right.spec.State != nil {
			if err := e.right.spec.State.Upsert(row); err != nil {
				return nil, nil, err
			}
		}
	} else {
		delete(rent.rows, pkStr)
		if e.right.spec.State != nil {
			if err := e.right.spec.State.Delete(row); err != nil {
				return nil, nil, err
			}
		}
	}

	var ops []types.Op
	var out []types.Row

	for _, lr := range lent.rows {
		if insert {
			lr.degree++
		} else {
			lr.degree--
		}
		switch e.typ {
		case JoinInner:
			if insert {
				ops = append(ops, types.OpInsert)
				out = append(out, joined(lr.row, row))
			} else {
				ops = append(ops, types.OpDelete)
				out = append(out, joined(lr.row, row))
			}
		case JoinLeftOuter, JoinFullOuter:
			if insert {
				if lr.degree == 1 {
					// First match replaces the null-padded row.
					ops = append(ops, types.OpUpdateDelete, types.OpUpdateInsert)
					out = append(out, nullPadded(lr.row, e.right.spec.Width), joined(lr.row, row))
				} else {
					ops = append(ops, types.OpInsert)
					out = append(out, joined(lr.row, row))
				}
			} else {
				if lr.degree == 0 {
					ops = append(ops, types.OpUpdateDelete, types.OpUpdateInsert)
					out = append(out, joined(lr.row, row), nullPadded(lr.row, e.right.spec.Width))
				} else {
					ops = append(ops, types.OpDelete)
					out = append(out, joined(lr.row, row))
				}
			}
		case JoinRightOuter:
			if insert {
				ops = append(ops, types.OpInsert)
				out = append(out, joined(lr.row, row))
			} else {
				ops = append(ops, types.OpDelete)
				out = append(out, joined(lr.row, row))
			}
		case JoinLeftSemi:
			if insert && lr.degree == 1 {
				ops = append(ops, types.OpInsert)
				out = append(out, lr.row.Clone())
			}
			if !insert && lr.degree == 0 {
				ops = append(ops, types.OpDelete)
				out = append(out, lr.row.Clone())
			}
		case JoinLeftAnti:
			if insert && lr.degree == 1 {
				ops = append(ops, types.OpDelete)
				out = append(out, lr.row.Clone())
			}
			if !insert && lr.degree == 0 {
				ops = append(ops, types.OpInsert)
				out = append(out, lr.row.Clone())
			}
		}
	}

	// Right-outer null padding for an unmatched right row.
	if e.typ == JoinRightOuter || e.typ == JoinFullOuter {
		if len(lent.rows) == 0 {
			if insert {
				ops = append(ops, types.OpInsert)
			} else {
				ops = append(ops, types.OpDelete)
			}
			out = append(out, nullPaddedLeft(row, e.left.spec.Width))
		} else if e.typ == JoinRightOuter && insert {
			// Matched on arrival: joined rows were already emitted above.
			_ = out
		}
	}
	return ops, out, nil
}

// TemporalJoinExecutor joins a stream against a versioned lookup table
// (an MV snapshot) resolved at the input's processing epoch, not the
// lookup side's own change stream.
type TemporalJoinExecutor struct {
	input  Executor
	lookup *hstore.StateTable
	// keyIdx indexes the lookup key columns in the input rows
	keyIdx []int
	// width of the lookup rows for padding
	lookupWidth int
	outer       bool
	epoch       types.Epoch
}

// NewTemporalJoinExecutor creates a temporal join
func NewTemporalJoinExecutor(input Executor, lookup *hstore.StateTable, keyIdx []int, lookupWidth int, outer bool) *TemporalJoinExecutor {
	return &TemporalJoinExecutor{input: input, lookup: lookup, keyIdx: keyIdx, lookupWidth: lookupWidth, outer: outer}
}

func (e *TemporalJoinExecutor) Next(ctx context.Context) (*Message, error) {
	for {
		msg, err := e.input.Next(ctx)
		if err != nil {
			return nil, err
		}
		switch {
		case msg.Barrier != nil:
			e.epoch = msg.Barrier.Epoch.Prev
			return msg, nil
		case msg.Chunk == nil:
			return msg, nil
		}
		ops, rows := msg.Chunk.Rows()
		var outOps []types.Op
		var outRows []types.Row
		for i, row := range rows {
			keyRow := row.Project(e.keyIdx)
			match, ok, err := e.lookup.GetAt(ctx, keyRow, e.epoch)
			if err != nil {
				return nil, err
			}
			switch {
			case ok:
				outOps = append(outOps, ops[i])
				outRows = append(outRows, joined(row, match))
			case e.outer:
				outOps = append(outOps, ops[i])
				outRows = append(outRows, nullPadded(row, e.lookupWidth))
			}
		}
		if len(outRows) == 0 {
			continue
		}
		return NewChunkMessage(types.NewStreamChunk(outOps, outRows)), nil
	}
}
