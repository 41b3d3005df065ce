package stream

import (
	"container/list"
	"context"
	"sort"

	hstore "github.com/freshet-io/freshet/pkg/hummock/store"
	"github.com/freshet-io/freshet/pkg/types"
)

// ColumnOrder is one sort key column
type ColumnOrder struct {
	Idx  int
	Desc bool
}

// CompareByOrder compares two rows under a sort key, falling back to the
// whole row for stability.
func CompareByOrder(a, b types.Row, order []ColumnOrder) int {
	for _, o := range order {
		c := types.CompareDatum(a[o.Idx], b[o.Idx])
		if c != 0 {
			if o.Desc {
				return -c
			}
			return c
		}
	}
	return types.CompareRows(a, b)
}

// topNGroup caches one group's rows in three regions around the emitted
// window: low (before offset), middle ([offset, offset+limit)), high
// (after). The backing slice is kept sorted; regions are index ranges.
type topNGroup struct {
	rows  []types.Row
	lruEl *list.Element
}

func (g *topNGroup) insert(row types.Row, order []ColumnOrder) {
	i := sort.Search(len(g.rows), func(i int) bool {
		return CompareByOrder(g.rows[i], row, order) >= 0
	})
	g.rows = append(g.rows, nil)
	copy(g.rows[i+1:], g.rows[i:])
	g.rows[i] = row
}

func (g *topNGroup) remove(row types.Row, order []ColumnOrder) bool {
	i := sort.Search(len(g.rows), func(i int) bool {
		return CompareByOrder(g.rows[i], row, order) >= 0
	})
	for ; i < len(g.rows); i++ {
		c := CompareByOrder(g.rows[i], row, order)
		if c > 0 {
			return false
		}
		if types.CompareRows(g.rows[i], row) == 0 {
			g.rows = append(g.rows[:i], g.rows[i+1:]...)
			return true
		}
	}
	return false
}

// middle returns the emitted window [offset, offset+limit), extended to
// all tied rows when withTies is set.
func (g *topNGroup) middle(offset, limit int, withTies bool, order []ColumnOrder) []types.Row {
	if limit <= 0 || offset >= len(g.rows) {
		return nil
	}
	end := offset + limit
	if end > len(g.rows) {
		end = len(g.rows)
	}
	if withTies && end > 0 && end < len(g.rows) {
		last := g.rows[end-1]
		// Ties compare on the sort key columns only.
		tied := func(r types.Row) bool {
			for _, o := range order {
				if types.CompareDatum(r[o.Idx], last[o.Idx]) != 0 {
					return false
				}
			}
			return true
		}
		for end < len(g.rows) && tied(g.rows[end]) {
			end++
		}
	}
	return g.rows[offset:end]
}

// GroupTopNExecutor maintains the k smallest rows per group under an
// ordering and emits window deltas. An empty group key degenerates to a
// plain top-n.
type GroupTopNExecutor struct {
	input    Executor
	groupKey []int
	order    []ColumnOrder
	offset   int
	limit    int
	withTies bool
	// appendOnly enables the insert-only fast path: the cache keeps only
	// the window, never reloads evicted rows.
	appendOnly bool
	state      *hstore.StateTable

	groups    map[string]*topNGroup
	lru       *list.List
	maxGroups int

	initialized bool
}

// NewGroupTopNExecutor creates a group top-n
func NewGroupTopNExecutor(input Executor, groupKey []int, order []ColumnOrder, offset, limit int, withTies, appendOnly bool, state *hstore.StateTable, maxGroups int) *GroupTopNExecutor {
	if maxGroups <= 0 {
		maxGroups = 1 << 12
	}
	return &GroupTopNExecutor{
		input:      input,
		groupKey:   groupKey,
		order:      order,
		offset:     offset,
		limit:      limit,
		withTies:   withTies,
		appendOnly: appendOnly,
		state:      state,
		groups:     make(map[string]*topNGroup),
		lru:        list.New(),
		maxGroups:  maxGroups,
	}
}

func (e *GroupTopNExecutor) group(ctx context.Context, keyStr string, keyRow types.Row) (*topNGroup, error) {
	if g, ok := e.groups[keyStr]; ok {
		e.lru.MoveToFront(g.lruEl)
		return g, nil
	}
	g := &topNGroup{}
	if e.state != nil && !e.appendOnly && len(e.groupKey) > 0 {
		vnode := e.state.VnodeOfPK(keyRow)
		rows, err := e.state.IterPrefix(ctx, vnode, keyRow, e.state.Epoch())
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			g.insert(row, e.order)
		}
	} else if e.state != nil && !e.appendOnly {
		rows, err := e.state.ScanOwned(ctx, e.state.Epoch())
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			g.insert(row, e.order)
		}
	}
	e.groups[keyStr] = g
	g.lruEl = e.lru.PushFront(keyStr)
	e.evict()
	return g, nil
}

func (e *GroupTopNExecutor) evict() {
	for len(e.groups) > e.maxGroups {
		el := e.lru.Back()
		if el == nil {
			return
		}
		keyStr := el.Value.(string)
		e.lru.Remove(el)
		delete(e.groups, keyStr)
	}
}

// Next implements Executor
func (e *GroupTopNExecutor) Next(ctx context.Context) (*Message, error) {
	for {
		msg, err := e.input.Next(ctx)
		if err != nil {
			return nil, err
		}
		switch {
		case msg.Barrier != nil:
			e.handleBarrier(msg.Barrier)
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

func (e *GroupTopNExecutor) handleBarrier(b *types.Barrier) {
	if e.state == nil {
		return
	}
	if !e.initialized {
		e.state.Init(b.Epoch.Curr)
		e.initialized = true
		return
	}
	e.state.UpdateEpoch(b.Epoch.Curr)
}

func (e *GroupTopNExecutor) applyChunk(ctx context.Context, chunk *types.StreamChunk) (*types.StreamChunk, error) {
	ops, rows := chunk.Rows()
	var outOps []types.Op
	var outRows []types.Row

	for i, row := range rows {
		keyRow := row.Project(e.groupKey)
		keyStr := string(types.EncodeRow(nil, keyRow))
		g, err := e.group(ctx, keyStr, keyRow)
		if err != nil {
			return nil, err
		}

		before := cloneRows(g.middle(e.offset, e.limit, e.withTies, e.order))

		if ops[i].IsInsert() {
			g.insert(row.Clone(), e.order)
			if e.state != nil {
				if err := e.state.Upsert(row); err != nil {
					return nil, err
				}
			}
			if e.appendOnly {
				// Rows past the window can never re-enter: drop them.
				max := e.offset + e.limit + 1
				if len(g.rows) > max {
					g.rows = g.rows[:max]
				}
			}
		} else {
			g.remove(row, e.order)
			if e.state != nil {
				if err := e.state.Delete(row); err != nil {
					return nil, err
				}
			}
		}

		after := g.middle(e.offset, e.limit, e.withTies, e.order)

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

func cloneRows(rows []types.Row) []types.Row {
	out := make([]types.Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

// diffWindows returns rows leaving and entering the emitted window
func diffWindows(before, after []types.Row) (dels, ins []types.Row) {
	count := func(rows []types.Row) map[string]int {
		m := make(map[string]int, len(rows))
		for _, r := range rows {
			m[string(types.EncodeRow(nil, r))]++
		}
		return m
	}
	b, a := count(before), count(after)
	for _, r := range before {
		k := string(types.EncodeRow(nil, r))
		if a[k] < b[k] {
			dels = append(dels, r)
			b[k]--
		}
	}
	for _, r := range after {
		k := string(types.EncodeRow(nil, r))
		if b[k] < a[k] {
			ins = append(ins, r.Clone())
			a[k]--
		}
	}
	return dels, ins
}
