package stream

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	hstore "github.com/freshet-io/freshet/pkg/hummock/store"
	"github.com/freshet-io/freshet/pkg/metrics"
	"github.com/freshet-io/freshet/pkg/types"
)

// The KV log store is an append-only state table recording every chunk
// and barrier a decoupled sink observed. A separate sink-writer consumes
// the log at its own pace and truncates it after each external commit.

const (
	logEntryChunk   = int64(0)
	logEntryBarrier = int64(1)
)

// LogStoreSchema is the layout of a KV log store table: seq (pk), entry
// kind, the row count of a chunk entry or the closed epoch of a barrier
// entry, and the gob payload for chunks.
func LogStoreSchema(tableID uint32) hstore.TableSchema {
	return hstore.TableSchema{
		TableID:   tableID,
		Columns:   []types.DataType{types.TypeInt64, types.TypeInt64, types.TypeInt64, types.TypeBytes},
		PKIndices: []int{0},
	}
}

// LogStoreExecutor is the in-pipeline half of a decoupled sink: it
// appends every chunk and checkpoint barrier to the log table and lets
// the stream flow on unimpeded by the external system.
type LogStoreExecutor struct {
	input Executor
	state *hstore.StateTable
	seq   int64

	initialized bool
}

// NewLogStoreExecutor creates the log-writing half of a decoupled sink
func NewLogStoreExecutor(input Executor, state *hstore.StateTable) *LogStoreExecutor {
	return &LogStoreExecutor{input: input, state: state}
}

func encodeChunk(chunk *types.StreamChunk) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(chunk); err != nil {
		return nil, fmt.Errorf("failed to encode log chunk: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeChunk(data []byte) (*types.StreamChunk, error) {
	var chunk types.StreamChunk
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&chunk); err != nil {
		return nil, fmt.Errorf("failed to decode log chunk: %w", err)
	}
	return &chunk, nil
}

// Next implements Executor
func (e *LogStoreExecutor) Next(ctx context.Context) (*Message, error) {
	msg, err := e.input.Next(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case msg.Chunk != nil:
		payload, err := encodeChunk(msg.Chunk)
		if err != nil {
			return nil, err
		}
		if err := e.append(logEntryChunk, int64(msg.Chunk.Cardinality()), payload); err != nil {
			return nil, err
		}
	case msg.Barrier != nil:
		b := msg.Barrier
		if !e.initialized {
			e.state.Init(b.Epoch.Curr)
			e.initialized = true
			return msg, nil
		}
		if b.IsCheckpoint() {
			if err := e.append(logEntryBarrier, int64(b.Epoch.Prev), nil); err != nil {
				return nil, err
			}
		}
		e.state.UpdateEpoch(b.Epoch.Curr)
	}
	return msg, nil
}

func (e *LogStoreExecutor) append(kind, epochOrCard int64, payload []byte) error {
	e.seq++
	return e.state.Upsert(types.Row{e.seq, kind, epochOrCard, payload})
}

// ConsumerState is the protocol state of a decoupled sink writer
type ConsumerState uint8

const (
	// ConsumerUninitialized precedes the first consumed entry
	ConsumerUninitialized ConsumerState = iota
	// ConsumerEpochBegun means the writer has an open external epoch
	ConsumerEpochBegun
	// ConsumerBarrierReceived means the last entry was a barrier
	ConsumerBarrierReceived
)

// SinkConsumer is the sink-writer half of a decoupled sink: it drains
// the log table, delivers chunks to the external writer, and commits
// every commitInterval-th checkpoint, truncating the log behind the
// commit.
type SinkConsumer struct {
	log            *hstore.StateTable
	writer         SinkWriter
	commitInterval int

	state       ConsumerState
	readSeq     int64
	checkpoints int
	// pendingTruncate holds entries delivered but not yet committed
	pendingTruncate []types.Row
}

// NewSinkConsumer creates a consumer with the given commit interval
func NewSinkConsumer(logTable *hstore.StateTable, writer SinkWriter, commitInterval int) *SinkConsumer {
	if commitInterval < 1 {
		commitInterval = 1
	}
	return &SinkConsumer{log: logTable, writer: writer, commitInterval: commitInterval}
}

// State returns the protocol state
func (c *SinkConsumer) State() ConsumerState {
	return c.state
}

// ResetFrom rewinds the consumer to re-deliver from the earliest
// retained log entry (crash recovery). External effects replay; the
// idempotent coordinator de-duplicates on epoch.
func (c *SinkConsumer) ResetFrom(seq int64) {
	c.readSeq = seq
	c.state = ConsumerUninitialized
	c.pendingTruncate = nil
}

// UpdateVnodeBitmap applies a rescale bitmap swap. Only legal between
// epochs, i.e. in the BarrierReceived state.
func (c *SinkConsumer) UpdateVnodeBitmap(bitmap *types.Bitmap) error {
	if c.state != ConsumerBarrierReceived {
		return types.Protocol(fmt.Errorf("vnode bitmap update in consumer state %d", c.state))
	}
	c.log.UpdateVnodes(bitmap)
	return nil
}

// Poll consumes every log entry currently readable at the given epoch.
// It returns the number of external commits issued.
func (c *SinkConsumer) Poll(ctx context.Context, epoch types.Epoch) (int, error) {
	rows, err := c.log.IterPrefix(ctx, 0, nil, epoch)
	if err != nil {
		return 0, err
	}
	commits := 0
	for _, row := range rows {
		seq := row[0].(int64)
		if seq <= c.readSeq {
			continue
		}
		c.readSeq = seq
		c.pendingTruncate = append(c.pendingTruncate, row)

		kind := row[1].(int64)
		switch kind {
		case logEntryChunk:
			if c.state != ConsumerEpochBegun {
				if err := c.writer.BeginEpoch(epoch); err != nil {
					return commits, types.Transient(err)
				}
				c.state = ConsumerEpochBegun
			}
			chunk, err := decodeChunk(row[3].([]byte))
			if err != nil {
				return commits, err
			}
			if err := c.writer.WriteChunk(chunk); err != nil {
				return commits, types.Transient(err)
			}
		case logEntryBarrier:
			c.state = ConsumerBarrierReceived
			c.checkpoints++
			barrierEpoch := types.Epoch(row[2].(int64))
			if c.checkpoints%c.commitInterval == 0 {
				if err := c.writer.Commit(barrierEpoch); err != nil {
					return commits, types.Transient(err)
				}
				metrics.SinkCommitsTotal.Inc()
				commits++
				if err := c.truncate(); err != nil {
					return commits, err
				}
			}
		default:
			return commits, types.Protocol(fmt.Errorf("unknown log entry kind %d", kind))
		}
	}
	return commits, nil
}

// truncate drops all delivered-and-committed entries from the log
func (c *SinkConsumer) truncate() error {
	for _, row := range c.pendingTruncate {
		if err := c.log.Delete(row); err != nil {
			return err
		}
	}
	c.pendingTruncate = nil
	return nil
}
