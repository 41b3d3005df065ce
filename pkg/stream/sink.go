package stream

import (
	"context"
	"errors"

	"github.com/freshet-io/freshet/pkg/metrics"
	"github.com/freshet-io/freshet/pkg/types"
)

var errNoEpoch = errors.New("sink received a chunk before the first barrier")

// SinkWriter is the external system a sink delivers to. Commit is the
// two-phase-commit callback: external effects become visible atomically
// per epoch, and an idempotent coordinator makes replays exactly-once.
type SinkWriter interface {
	BeginEpoch(epoch types.Epoch) error
	WriteChunk(chunk *types.StreamChunk) error
	Commit(epoch types.Epoch) error
	Abort() error
}

// CoupledSinkExecutor delivers chunks to the external writer immediately
// within the epoch; every checkpoint barrier triggers the external
// commit. Simple, but the sink's pace back-pressures the whole job.
type CoupledSinkExecutor struct {
	input  Executor
	writer SinkWriter

	epochOpen bool
}

// NewCoupledSinkExecutor creates a coupled sink
func NewCoupledSinkExecutor(input Executor, writer SinkWriter) *CoupledSinkExecutor {
	return &CoupledSinkExecutor{input: input, writer: writer}
}

// Next implements Executor
func (e *CoupledSinkExecutor) Next(ctx context.Context) (*Message, error) {
	msg, err := e.input.Next(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case msg.Chunk != nil:
		if !e.epochOpen {
			// No barrier has opened a writer epoch yet.
			return msg, types.Protocol(errNoEpoch)
		}
		if err := e.writer.WriteChunk(msg.Chunk); err != nil {
			return nil, types.Transient(err)
		}
	case msg.Barrier != nil:
		if e.epochOpen && msg.Barrier.IsCheckpoint() {
			if err := e.writer.Commit(msg.Barrier.Epoch.Prev); err != nil {
				return nil, types.Transient(err)
			}
			metrics.SinkCommitsTotal.Inc()
		}
		if err := e.writer.BeginEpoch(msg.Barrier.Epoch.Curr); err != nil {
			return nil, types.Transient(err)
		}
		e.epochOpen = true
	}
	return msg, nil
}
