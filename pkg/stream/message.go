package stream

import (
	"context"
	"fmt"

	"github.com/freshet-io/freshet/pkg/types"
)

// Message is what flows between actors: a data chunk, a barrier, or a
// watermark. Exactly one field is set.
type Message struct {
	Chunk     *types.StreamChunk
	Barrier   *types.Barrier
	Watermark *types.Watermark
}

// NewChunkMessage wraps a chunk
func NewChunkMessage(c *types.StreamChunk) *Message {
	return &Message{Chunk: c}
}

// NewBarrierMessage wraps a barrier
func NewBarrierMessage(b *types.Barrier) *Message {
	return &Message{Barrier: b}
}

// NewWatermarkMessage wraps a watermark
func NewWatermarkMessage(w *types.Watermark) *Message {
	return &Message{Watermark: w}
}

// IsBarrier reports whether the message carries a barrier
func (m *Message) IsBarrier() bool {
	return m.Barrier != nil
}

func (m *Message) String() string {
	switch {
	case m.Chunk != nil:
		return fmt.Sprintf("chunk(%d rows)", m.Chunk.Cardinality())
	case m.Barrier != nil:
		return fmt.Sprintf("barrier(%s, %s)", m.Barrier.Epoch.Curr, m.Barrier.Kind)
	case m.Watermark != nil:
		return fmt.Sprintf("watermark(col %d)", m.Watermark.ColIdx)
	}
	return "empty"
}

// Executor is one operator in an actor's pipeline. Next blocks until a
// message is available and returns ErrEndOfStream when the stream is
// exhausted (upstream closed after a Stop barrier).
//
// Executors are single-consumer: one actor goroutine drives the whole
// pipeline, so implementations need no internal locking for their own
// state.
type Executor interface {
	Next(ctx context.Context) (*Message, error)
}

// ErrEndOfStream signals a cleanly-closed stream
var ErrEndOfStream = fmt.Errorf("end of stream")
