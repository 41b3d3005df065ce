package stream

import (
	"context"

	"github.com/freshet-io/freshet/pkg/types"
)

// ProjectExecutor maps each input row through an expression list
type ProjectExecutor struct {
	input Executor
	exprs []func(types.Row) types.Datum
}

// NewProjectExecutor creates a projection
func NewProjectExecutor(input Executor, exprs []func(types.Row) types.Datum) *ProjectExecutor {
	return &ProjectExecutor{input: input, exprs: exprs}
}

func (p *ProjectExecutor) Next(ctx context.Context) (*Message, error) {
	for {
		msg, err := p.input.Next(ctx)
		if err != nil {
			return nil, err
		}
		if msg.Chunk == nil {
			return msg, nil
		}
		ops, rows := msg.Chunk.Rows()
		outRows := make([]types.Row, len(rows))
		for i, row := range rows {
			out := make(types.Row, len(p.exprs))
			for j, expr := range p.exprs {
				out[j] = expr(row)
			}
			outRows[i] = out
		}
		return NewChunkMessage(types.NewStreamChunk(ops, outRows)), nil
	}
}

// FilterExecutor drops rows failing a predicate
type FilterExecutor struct {
	input Executor
	pred  func(types.Row) bool
}

// NewFilterExecutor creates a filter
func NewFilterExecutor(input Executor, pred func(types.Row) bool) *FilterExecutor {
	return &FilterExecutor{input: input, pred: pred}
}

func (f *FilterExecutor) Next(ctx context.Context) (*Message, error) {
	for {
		msg, err := f.input.Next(ctx)
		if err != nil {
			return nil, err
		}
		if msg.Chunk == nil {
			return msg, nil
		}
		ops, rows := msg.Chunk.Rows()
		var outOps []types.Op
		var outRows []types.Row
		for i, row := range rows {
			if f.pred(row) {
				outOps = append(outOps, ops[i])
				outRows = append(outRows, row)
			}
		}
		if len(outRows) == 0 {
			continue
		}
		return NewChunkMessage(types.NewStreamChunk(outOps, outRows)), nil
	}
}

// channelExecutor adapts a single input channel to an Executor; used for
// single-input actors fed by one upstream.
type channelExecutor struct {
	ch *Channel
}

// NewChannelExecutor wraps an input channel
func NewChannelExecutor(ch *Channel) Executor {
	return &channelExecutor{ch: ch}
}

func (c *channelExecutor) Next(ctx context.Context) (*Message, error) {
	msg, ok, err := c.ch.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEndOfStream
	}
	return msg, nil
}
