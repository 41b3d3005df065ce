package stream

import (
	"container/list"
	"context"
	"fmt"
	"sort"

	hstore "github.com/freshet-io/freshet/pkg/hummock/store"
	"github.com/freshet-io/freshet/pkg/types"
)

// FrameKind distinguishes ROWS and RANGE frames
type FrameKind string

const (
	FrameRows  FrameKind = "rows"
	FrameRange FrameKind = "range"
)

// FrameBound is one edge of a window frame. Unbounded when Unbounded is
// set; otherwise Offset rows (ROWS) or an offset on the sort-key value
// (RANGE, int64 sort keys).
type FrameBound struct {
	Unbounded bool
	// Preceding is true for the start bound direction
	Preceding bool
	Offset    int64
}

// WindowFrame describes the frame of one window call
type WindowFrame struct {
	Kind  FrameKind
	Start FrameBound
	End   FrameBound
	// ExcludeCurrentRow implements the EXCLUDE CURRENT ROW clause
	ExcludeCurrentRow bool
}

// WindowCall is one windowed aggregate over a partition
type WindowCall struct {
	Agg   AggCall
	Frame WindowFrame
}

type windowPartition struct {
	// rows sorted by the sort key then full row
	rows  []types.Row
	lruEl *list.Element
}

// OverWindowExecutor computes sliding-window aggregates within
// partitions under a sort key. Each change re-evaluates the affected
// partition from its sort-key-ordered buffer and emits the output delta.
type OverWindowExecutor struct {
	input        Executor
	partitionKey []int
	order        []ColumnOrder
	calls        []WindowCall
	state        *hstore.StateTable

	parts    map[string]*windowPartition
	lru      *list.List
	maxParts int

	initialized bool
}

// NewOverWindowExecutor creates an over-window operator
func NewOverWindowExecutor(input Executor, partitionKey []int, order []ColumnOrder, calls []WindowCall, state *hstore.StateTable, maxParts int) *OverWindowExecutor {
	if maxParts <= 0 {
		maxParts = 1 << 10
	}
	return &OverWindowExecutor{
		input:        input,
		partitionKey: partitionKey,
		order:        order,
		calls:        calls,
		state:        state,
		parts:        make(map[string]*windowPartition),
		lru:          list.New(),
		maxParts:     maxParts,
	}
}

func (e *OverWindowExecutor) partition(ctx context.Context, keyStr string, keyRow types.Row) (*windowPartition, error) {
	if p, ok := e.parts[keyStr]; ok {
		e.lru.MoveToFront(p.lruEl)
		return p, nil
	}
	p := &windowPartition{}
	if e.state != nil {
		var rows []types.Row
		var err error
		if len(e.partitionKey) > 0 {
			vnode := e.state.VnodeOfPK(keyRow)
			rows, err = e.state.IterPrefix(ctx, vnode, keyRow, e.state.Epoch())
		} else {
			rows, err = e.state.ScanOwned(ctx, e.state.Epoch())
		}
		if err != nil {
			return nil, err
		}
		p.rows = rows
		sort.Slice(p.rows, func(i, j int) bool {
			return CompareByOrder(p.rows[i], p.rows[j], e.order) < 0
		})
	}
	e.parts[keyStr] = p
	p.lruEl = e.lru.PushFront(keyStr)
	for len(e.parts) > e.maxParts {
		el := e.lru.Back()
		k := el.Value.(string)
		e.lru.Remove(el)
		delete(e.parts, k)
	}
	return p, nil
}

// Next implements Executor
func (e *OverWindowExecutor) Next(ctx context.Context) (*Message, error) {
	for {
		msg, err := e.input.Next(ctx)
		if err != nil {
			return nil, err
		}
		switch {
		case msg.Barrier != nil:
			if e.state != nil {
				if !e.initialized {
					e.state.Init(msg.Barrier.Epoch.Curr)
					e.initialized = true
				} else {
					e.state.UpdateEpoch(msg.Barrier.Epoch.Curr)
				}
			}
			return msg, nil
		case msg.Chunk == nil:
			return msg, nil
		}
		out, err := e.applyChunk(ctx, msg.Chunk)
		if err != nil {
			return nil, err
		}
		if out == nil {
			continue
		}
		return NewChunkMessage(out), nil
	}
}

func (e *OverWindowExecutor) applyChunk(ctx context.Context, chunk *types.StreamChunk) (*types.StreamChunk, error) {
	ops, rows := chunk.Rows()
	var outOps []types.Op
	var outRows []types.Row

	for i, row := range rows {
		keyRow := row.Project(e.partitionKey)
		keyStr := string(types.EncodeRow(nil, keyRow))
		p, err := e.partition(ctx, keyStr, keyRow)
		if err != nil {
			return nil, err
		}

		before, err := e.outputsOf(p)
		if err != nil {
			return nil, err
		}

		if ops[i].IsInsert() {
			insertSorted(p, row.Clone(), e.order)
			if e.state != nil {
				if err := e.state.Upsert(row); err != nil {
					return nil, err
				}
			}
		} else {
			removeSorted(p, row, e.order)
			if e.state != nil {
				if err := e.state.Delete(row); err != nil {
					return nil, err
				}
			}
		}

		after, err := e.outputsOf(p)
		if err != nil {
			return nil, err
		}

		dels, ins := diffWindows(before, after)
		for _, r := range dels {
			outOps = append(outOps, types.OpDelete)
			outRows = append(outRows, r)
		}
		for _, r := range ins {
			outOps = append(outOps, types.OpInsert)
			outRows = append(outRows, r)
		}
	}
	if len(outRows) == 0 {
		return nil, nil
	}
	return types.NewStreamChunk(outOps, outRows), nil
}

func insertSorted(p *windowPartition, row types.Row, order []ColumnOrder) {
	i := sort.Search(len(p.rows), func(i int) bool {
		return CompareByOrder(p.rows[i], row, order) >= 0
	})
	p.rows = append(p.rows, nil)
	copy(p.rows[i+1:], p.rows[i:])
	p.rows[i] = row
}

func removeSorted(p *windowPartition, row types.Row, order []ColumnOrder) {
	for i := range p.rows {
		if types.CompareRows(p.rows[i], row) == 0 {
			p.rows = append(p.rows[:i], p.rows[i+1:]...)
			return
		}
	}
}

// outputsOf computes the full windowed output of a partition: each input
// row extended with its window aggregate results.
func (e *OverWindowExecutor) outputsOf(p *windowPartition) ([]types.Row, error) {
	out := make([]types.Row, len(p.rows))
	for i, row := range p.rows {
		result := append(types.Row{}, row...)
		for _, call := range e.calls {
			lo, hi, err := e.frameRange(p, i, call.Frame)
			if err != nil {
				return nil, err
			}
			state, err := NewAggState(call.Agg)
			if err != nil {
				return nil, err
			}
			for j := lo; j < hi; j++ {
				if call.Frame.ExcludeCurrentRow && j == i {
					continue
				}
				var arg types.Datum
				if call.Agg.ArgIdx >= 0 {
					arg = p.rows[j][call.Agg.ArgIdx]
				} else {
					arg = int64(1)
				}
				if err := state.Update(arg, false); err != nil {
					return nil, err
				}
			}
			result = append(result, state.Result())
		}
		out[i] = result
	}
	return out, nil
}

// frameRange resolves the [lo, hi) row range of a frame around row i
func (e *OverWindowExecutor) frameRange(p *windowPartition, i int, frame WindowFrame) (int, int, error) {
	switch frame.Kind {
	case FrameRows:
		lo := 0
		if !frame.Start.Unbounded {
			lo = i - int(frame.Start.Offset)
			if lo < 0 {
				lo = 0
			}
		}
		hi := len(p.rows)
		if !frame.End.Unbounded {
			hi = i + int(frame.End.Offset) + 1
			if hi > len(p.rows) {
				hi = len(p.rows)
			}
		}
		if hi < lo {
			hi = lo
		}
		return lo, hi, nil
	case FrameRange:
		if len(e.order) != 1 {
			return 0, 0, fmt.Errorf("range frame requires exactly one sort key")
		}
		idx := e.order[0].Idx
		cur, ok := p.rows[i][idx].(int64)
		if !ok {
			return 0, 0, fmt.Errorf("range frame requires an int64 sort key")
		}
		lo := 0
		if !frame.Start.Unbounded {
			bound := cur - frame.Start.Offset
			lo = sort.Search(len(p.rows), func(j int) bool {
				v, ok := p.rows[j][idx].(int64)
				return ok && v >= bound
			})
		}
		hi := len(p.rows)
		if !frame.End.Unbounded {
			bound := cur + frame.End.Offset
			hi = sort.Search(len(p.rows), func(j int) bool {
				v, ok := p.rows[j][idx].(int64)
				return ok && v > bound
			})
		}
		return lo, hi, nil
	}
	return 0, 0, fmt.Errorf("unknown frame kind %q", frame.Kind)
}
