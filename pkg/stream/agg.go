package stream

import (
	"bytes"
	"container/list"
	"context"
	"encoding/gob"
	"fmt"
	"sort"

	hstore "github.com/freshet-io/freshet/pkg/hummock/store"
	"github.com/freshet-io/freshet/pkg/types"
)

// AggStateSchema is the layout of a hash-agg state table: the group key
// columns followed by the row count and the serialized agg states.
func AggStateSchema(tableID uint32, groupKeyTypes []types.DataType) hstore.TableSchema {
	cols := append(append([]types.DataType(nil), groupKeyTypes...), types.TypeInt64, types.TypeBytes)
	pk := make([]int, len(groupKeyTypes))
	dist := make([]int, len(groupKeyTypes))
	for i := range groupKeyTypes {
		pk[i] = i
		dist[i] = i
	}
	return hstore.TableSchema{TableID: tableID, Columns: cols, PKIndices: pk, DistKeyInPK: dist}
}

type aggGroup struct {
	key      types.Row
	states   []AggState
	rowCount int64
	// prevOutput is the last emitted output row, nil before first emit
	prevOutput types.Row
	dirty      bool
	lruEl      *list.Element
}

func (g *aggGroup) output(groupKey types.Row) types.Row {
	out := append(types.Row{}, groupKey...)
	for _, s := range g.states {
		out = append(out, s.Result())
	}
	return out
}

// HashAggExecutor maintains one aggregate state per group key across
// epochs. Changed groups emit eagerly per chunk; dirty states persist at
// every barrier after the first.
type HashAggExecutor struct {
	input    Executor
	groupKey []int
	calls    []AggCall
	state    *hstore.StateTable
	token    *ShutdownToken

	groups map[string]*aggGroup
	lru    *list.List
	// maxCachedGroups bounds the in-memory map; clean groups evict LRU
	maxCachedGroups int

	// simple marks the empty-group-key case: the single group always
	// exists and keeps emitting even at row count zero.
	simple bool

	initialized bool
}

// NewHashAggExecutor creates a hash aggregation. groupKey indexes the
// input columns grouped by; empty groupKey makes it a simple (single
// group) aggregation.
func NewHashAggExecutor(input Executor, groupKey []int, calls []AggCall, state *hstore.StateTable, maxCachedGroups int) *HashAggExecutor {
	if maxCachedGroups <= 0 {
		maxCachedGroups = 1 << 16
	}
	return &HashAggExecutor{
		input:           input,
		groupKey:        groupKey,
		calls:           calls,
		state:           state,
		token:           NewShutdownToken(),
		groups:          make(map[string]*aggGroup),
		lru:             list.New(),
		maxCachedGroups: maxCachedGroups,
		simple:          len(groupKey) == 0,
	}
}

// Token exposes the shutdown token polled by the flush scan
func (e *HashAggExecutor) Token() *ShutdownToken {
	return e.token
}

func encodeGroupKey(row types.Row, groupKey []int) string {
	var buf []byte
	for _, idx := range groupKey {
		buf = types.EncodeDatum(buf, row[idx])
	}
	return string(buf)
}

func (e *HashAggExecutor) touch(g *aggGroup) {
	if g.lruEl != nil {
		e.lru.MoveToFront(g.lruEl)
	}
}

func (e *HashAggExecutor) getGroup(ctx context.Context, keyStr string, keyRow types.Row) (*aggGroup, error) {
	if g, ok := e.groups[keyStr]; ok {
		e.touch(g)
		return g, nil
	}
	g := &aggGroup{key: keyRow.Clone()}
	// A group evicted earlier reloads from the state table.
	if e.state != nil {
		stored, ok, err := e.state.Get(ctx, keyRow)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := e.decodeGroup(g, stored); err != nil {
				return nil, err
			}
		}
	}
	if g.states == nil {
		states, err := e.newStates()
		if err != nil {
			return nil, err
		}
		g.states = states
	}
	e.groups[keyStr] = g
	g.lruEl = e.lru.PushFront(keyStr)
	e.evict()
	return g, nil
}

func (e *HashAggExecutor) newStates() ([]AggState, error) {
	states := make([]AggState, len(e.calls))
	for i, call := range e.calls {
		s, err := NewAggState(call)
		if err != nil {
			return nil, err
		}
		states[i] = s
	}
	return states, nil
}

// evict drops clean groups past the cache bound, LRU first
func (e *HashAggExecutor) evict() {
	for len(e.groups) > e.maxCachedGroups {
		el := e.lru.Back()
		if el == nil {
			return
		}
		keyStr := el.Value.(string)
		g := e.groups[keyStr]
		if g != nil && g.dirty {
			// Dirty groups must survive until the next flush; promote so
			// the scan does not spin on them.
			e.lru.MoveToFront(el)
			return
		}
		e.lru.Remove(el)
		delete(e.groups, keyStr)
	}
}

func (e *HashAggExecutor) decodeGroup(g *aggGroup, stored types.Row) error {
	n := len(e.groupKey)
	g.rowCount = stored[n].(int64)
	blob, _ := stored[n+1].([]byte)
	states := make([]AggState, 0, len(e.calls))
	dec := gob.NewDecoder(bytes.NewReader(blob))
	for range e.calls {
		var s AggState
		if err := dec.Decode(&s); err != nil {
			return fmt.Errorf("failed to decode agg state: %w", err)
		}
		states = append(states, s)
	}
	g.states = states
	out := g.output(g.key)
	g.prevOutput = out
	return nil
}

func (e *HashAggExecutor) encodeGroup(g *aggGroup) (types.Row, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	for _, s := range g.states {
		st := s
		if err := enc.Encode(&st); err != nil {
			return nil, fmt.Errorf("failed to encode agg state: %w", err)
		}
	}
	row := append(types.Row{}, g.key...)
	row = append(row, g.rowCount, buf.Bytes())
	return row, nil
}

// Next implements Executor
func (e *HashAggExecutor) Next(ctx context.Context) (*Message, error) {
	for {
		msg, err := e.input.Next(ctx)
		if err != nil {
			return nil, err
		}
		switch {
		case msg.Chunk != nil:
			out, err := e.applyChunk(ctx, msg.Chunk)
			if err != nil {
				return nil, err
			}
			if out == nil {
				continue
			}
			return NewChunkMessage(out), nil
		case msg.Barrier != nil:
			if err := e.handleBarrier(ctx, msg.Barrier); err != nil {
				return nil, err
			}
			return msg, nil
		default:
			// Watermarks pass through; group-key watermarks could drive
			// state cleanup but no plan produces them yet.
			return msg, nil
		}
	}
}

func (e *HashAggExecutor) applyChunk(ctx context.Context, chunk *types.StreamChunk) (*types.StreamChunk, error) {
	ops, rows := chunk.Rows()

	// Snapshot pre-chunk outputs of groups this chunk touches.
	touched := make(map[string]types.Row)
	order := make([]string, 0, 4)

	for i, row := range rows {
		keyStr := encodeGroupKey(row, e.groupKey)
		g, err := e.getGroup(ctx, keyStr, row.Project(e.groupKey))
		if err != nil {
			return nil, err
		}
		if _, seen := touched[keyStr]; !seen {
			touched[keyStr] = g.prevOutput
			order = append(order, keyStr)
		}
		retract := !ops[i].IsInsert()
		for j, call := range e.calls {
			var arg types.Datum
			if call.ArgIdx >= 0 {
				arg = row[call.ArgIdx]
			} else {
				arg = int64(1) // count(*)
			}
			if err := g.states[j].Update(arg, retract); err != nil {
				return nil, err
			}
		}
		if retract {
			g.rowCount--
		} else {
			g.rowCount++
		}
		g.dirty = true
	}

	var outOps []types.Op
	var outRows []types.Row
	for _, keyStr := range order {
		g := e.groups[keyStr]
		prev := touched[keyStr]
		exists := g.rowCount > 0 || e.simple
		switch {
		case prev == nil && exists:
			out := g.output(g.key)
			outOps = append(outOps, types.OpInsert)
			outRows = append(outRows, out)
			g.prevOutput = out
		case prev != nil && exists:
			out := g.output(g.key)
			if types.CompareRows(prev, out) == 0 {
				continue
			}
			outOps = append(outOps, types.OpUpdateDelete, types.OpUpdateInsert)
			outRows = append(outRows, prev, out)
			g.prevOutput = out
		case prev != nil && !exists:
			outOps = append(outOps, types.OpDelete)
			outRows = append(outRows, prev)
			g.prevOutput = nil
		}
	}
	if len(outRows) == 0 {
		return nil, nil
	}
	return types.NewStreamChunk(outOps, outRows), nil
}

func (e *HashAggExecutor) handleBarrier(ctx context.Context, b *types.Barrier) error {
	if e.state == nil {
		return nil
	}
	if !e.initialized {
		e.state.Init(b.Epoch.Curr)
		e.initialized = true
		return nil
	}
	if err := e.flush(); err != nil {
		return err
	}
	e.state.UpdateEpoch(b.Epoch.Curr)
	return nil
}

// flush persists dirty groups in sorted group-key order and drops
// emptied groups from the state table.
func (e *HashAggExecutor) flush() error {
	var dirtyKeys []string
	for keyStr, g := range e.groups {
		if g.dirty {
			dirtyKeys = append(dirtyKeys, keyStr)
		}
	}
	sort.Strings(dirtyKeys)
	for _, keyStr := range dirtyKeys {
		if err := e.token.Check(); err != nil {
			return err
		}
		g := e.groups[keyStr]
		if g.rowCount <= 0 && !e.simple {
			pkRow := append(types.Row{}, g.key...)
			pkRow = append(pkRow, int64(0), []byte(nil))
			if err := e.state.Delete(pkRow); err != nil {
				return err
			}
			g.dirty = false
			if g.lruEl != nil {
				e.lru.Remove(g.lruEl)
			}
			delete(e.groups, keyStr)
			continue
		}
		row, err := e.encodeGroup(g)
		if err != nil {
			return err
		}
		if err := e.state.Upsert(row); err != nil {
			return err
		}
		g.dirty = false
	}
	return nil
}

// StatelessSimpleAggExecutor computes per-chunk local aggregates and
// emits one delta row per chunk, for the partial side of two-phase
// aggregation plans.
type StatelessSimpleAggExecutor struct {
	input Executor
	calls []AggCall
}

// NewStatelessSimpleAggExecutor creates a stateless pre-aggregator
func NewStatelessSimpleAggExecutor(input Executor, calls []AggCall) *StatelessSimpleAggExecutor {
	return &StatelessSimpleAggExecutor{input: input, calls: calls}
}

func (e *StatelessSimpleAggExecutor) Next(ctx context.Context) (*Message, error) {
	for {
		msg, err := e.input.Next(ctx)
		if err != nil {
			return nil, err
		}
		if msg.Chunk == nil {
			return msg, nil
		}
		states := make([]AggState, len(e.calls))
		for i, call := range e.calls {
			s, err := NewAggState(call)
			if err != nil {
				return nil, err
			}
			states[i] = s
		}
		ops, rows := msg.Chunk.Rows()
		for i, row := range rows {
			retract := !ops[i].IsInsert()
			for j, call := range e.calls {
				var arg types.Datum
				if call.ArgIdx >= 0 {
					arg = row[call.ArgIdx]
				} else {
					arg = int64(1)
				}
				if err := states[j].Update(arg, retract); err != nil {
					return nil, err
				}
			}
		}
		out := make(types.Row, len(states))
		for i, s := range states {
			out[i] = s.Result()
		}
		return NewChunkMessage(types.NewStreamChunk([]types.Op{types.OpInsert}, []types.Row{out})), nil
	}
}
