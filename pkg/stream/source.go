package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	hstore "github.com/freshet-io/freshet/pkg/hummock/store"
	"github.com/freshet-io/freshet/pkg/log"
	"github.com/freshet-io/freshet/pkg/types"
)

// SourceReader is the connector-facing contract of a source actor: a
// stream of chunks with per-split resume offsets.
type SourceReader interface {
	// Next blocks for the next chunk; offsets carry the new resume
	// position of every split the chunk touched. Returns ErrEndOfStream
	// when the source is exhausted (bounded sources, tests).
	Next(ctx context.Context) (*types.StreamChunk, map[string]types.SplitOffset, error)
	// AssignSplits rebalances the reader's split set. Outstanding reads
	// of splits being taken away complete before this returns.
	AssignSplits(ctx context.Context, splits []types.Split) error
	Close() error
}

// SourceStateSchema is the layout of the per-split offset table
func SourceStateSchema(tableID uint32) hstore.TableSchema {
	return hstore.TableSchema{
		TableID:   tableID,
		Columns:   []types.DataType{types.TypeUtf8, types.TypeInt64, types.TypeInt64, types.TypeInt64},
		PKIndices: []int{0},
	}
}

type readerMsg struct {
	chunk   *types.StreamChunk
	offsets map[string]types.SplitOffset
	err     error
}

// SourceExecutor is the head of a source actor: it pumps the external
// reader, interleaves injected barriers, persists split offsets on every
// barrier, and honors Pause/Resume/Throttle/SourceChangeSplit mutations.
type SourceExecutor struct {
	actorID   uint32
	reader    SourceReader
	barrierCh *Channel
	state     *hstore.StateTable
	limiter   *RateLimiter
	logger    zerolog.Logger

	splits  []types.Split
	offsets map[string]types.SplitOffset

	paused   bool
	finished bool

	pumpOnce sync.Once
	dataCh   chan readerMsg
}

// NewSourceExecutor creates a source executor. state may be nil for
// stateless test sources.
func NewSourceExecutor(actorID uint32, reader SourceReader, barrierCh *Channel, state *hstore.StateTable, splits []types.Split, rateLimit int) *SourceExecutor {
	offsets := make(map[string]types.SplitOffset, len(splits))
	for _, s := range splits {
		offsets[s.SplitID] = s.Offset
	}
	return &SourceExecutor{
		actorID:   actorID,
		reader:    reader,
		barrierCh: barrierCh,
		state:     state,
		limiter:   NewRateLimiter(rateLimit),
		logger:    log.WithActorID(actorID),
		splits:    splits,
		offsets:   offsets,
		dataCh:    make(chan readerMsg, 1),
	}
}

func (s *SourceExecutor) pump(ctx context.Context) {
	for {
		chunk, offsets, err := s.reader.Next(ctx)
		select {
		case s.dataCh <- readerMsg{chunk: chunk, offsets: offsets, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Next implements Executor
func (s *SourceExecutor) Next(ctx context.Context) (*Message, error) {
	s.pumpOnce.Do(func() { go s.pump(ctx) })

	for {
		if s.paused || s.finished {
			// Only barriers flow while paused or after source exhaustion.
			msg, ok, err := s.barrierCh.Recv(ctx)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, ErrEndOfStream
			}
			if msg.IsBarrier() {
				return s.handleBarrier(ctx, msg.Barrier)
			}
			continue
		}

		select {
		case msg, ok := <-s.barrierCh.Raw():
			if !ok {
				return nil, ErrEndOfStream
			}
			if msg.IsBarrier() {
				return s.handleBarrier(ctx, msg.Barrier)
			}
		case rm := <-s.dataCh:
			if errors.Is(rm.err, ErrEndOfStream) {
				s.finished = true
				continue
			}
			if rm.err != nil {
				return nil, fmt.Errorf("source reader failed: %w", rm.err)
			}
			for id, off := range rm.offsets {
				if cur, ok := s.offsets[id]; ok && off.Less(cur) {
					// CDC offsets never regress.
					return nil, types.Protocol(fmt.Errorf("split %s offset regressed", id))
				}
				s.offsets[id] = off
			}
			if err := s.limiter.Wait(ctx, rm.chunk.Cardinality()); err != nil {
				return nil, err
			}
			return NewChunkMessage(rm.chunk), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *SourceExecutor) handleBarrier(ctx context.Context, b *types.Barrier) (*Message, error) {
	switch mut := b.Mutation.(type) {
	case types.PauseMutation:
		s.paused = true
	case types.ResumeMutation:
		s.paused = false
	case types.ThrottleMutation:
		if limit, ok := mut.Limits[s.actorID]; ok {
			s.limiter.SetLimit(limit)
		}
	case types.SourceChangeSplitMutation:
		if splits, ok := mut.Splits[s.actorID]; ok {
			if err := s.applySplits(ctx, splits); err != nil {
				return nil, err
			}
		}
	case types.UpdateMutation:
		if splits, ok := mut.Splits[s.actorID]; ok {
			if err := s.applySplits(ctx, splits); err != nil {
				return nil, err
			}
		}
	case types.AddMutation:
		if mut.Pause {
			s.paused = true
		}
	}

	if s.state != nil && b.Kind != types.BarrierKindInitial {
		if err := s.persistOffsets(); err != nil {
			return nil, err
		}
		s.state.UpdateEpoch(b.Epoch.Curr)
	} else if s.state != nil {
		s.state.Init(b.Epoch.Curr)
	}
	return NewBarrierMessage(b), nil
}

func (s *SourceExecutor) applySplits(ctx context.Context, splits []types.Split) error {
	if err := s.reader.AssignSplits(ctx, splits); err != nil {
		return fmt.Errorf("failed to reassign splits: %w", err)
	}
	// Offsets of retained splits survive; fresh splits start at their
	// assigned offset.
	next := make(map[string]types.SplitOffset, len(splits))
	for _, sp := range splits {
		if off, ok := s.offsets[sp.SplitID]; ok {
			next[sp.SplitID] = off
		} else {
			next[sp.SplitID] = sp.Offset
		}
	}
	s.splits = splits
	s.offsets = next
	s.logger.Info().Int("splits", len(splits)).Msg("Source splits reassigned")
	return nil
}

func (s *SourceExecutor) persistOffsets() error {
	ids := make([]string, 0, len(s.offsets))
	for id := range s.offsets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		off := s.offsets[id]
		if err := s.state.Upsert(types.Row{id, off.Seq, off.TxID, off.LSN}); err != nil {
			return err
		}
	}
	return nil
}

// RestoreOffsets loads persisted offsets at startup so recovery resumes
// exactly where the last committed epoch left off.
func (s *SourceExecutor) RestoreOffsets(ctx context.Context, epoch types.Epoch) error {
	if s.state == nil {
		return nil
	}
	for i, sp := range s.splits {
		row, ok, err := s.state.GetAt(ctx, types.Row{sp.SplitID}, epoch)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		off := types.SplitOffset{Seq: row[1].(int64), TxID: row[2].(int64), LSN: row[3].(int64)}
		s.splits[i].Offset = off
		s.offsets[sp.SplitID] = off
	}
	return s.reader.AssignSplits(ctx, s.splits)
}
