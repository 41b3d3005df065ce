package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshet-io/freshet/pkg/hummock"
	"github.com/freshet-io/freshet/pkg/types"
)

type recordingSink struct {
	mu      sync.Mutex
	reports []types.EpochPair
	synced  [][]hummock.SstableInfo
}

func (s *recordingSink) ReportCollected(_ context.Context, epoch types.EpochPair, _ uint32, synced []hummock.SstableInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, epoch)
	s.synced = append(s.synced, synced)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func TestBarrierCollectionAcrossActors(t *testing.T) {
	sink := &recordingSink{}
	m := NewLocalBarrierManager(1, nil, sink)
	m.RegisterActor(1)
	m.RegisterActor(2)

	b := checkpointAt(1)
	m.OnBarrierPassed(1, b)
	assert.Equal(t, 0, sink.count(), "collection waits for every actor")

	m.OnBarrierPassed(2, b)
	require.Equal(t, 1, sink.count())
	assert.Equal(t, b.Epoch, sink.reports[0])
}

func TestBarrierCollectionWithStateSync(t *testing.T) {
	node := newTestStoreNode(t)
	sink := &recordingSink{}
	m := NewLocalBarrierManager(1, node, sink)
	m.RegisterActor(1)

	// A write lands in epoch 1; the checkpoint closing it must sync an SST.
	key := []byte{0, 0, 0, 9, 0, 0, 'k'}
	require.NoError(t, node.Put(epochAt(1), key, []byte("v"), false))

	m.OnBarrierPassed(1, checkpointAt(2))
	require.Equal(t, 1, sink.count())
	require.Len(t, sink.synced[0], 1)
	assert.NotZero(t, sink.synced[0][0].ObjectID)
}

func TestBarrierCollectionDropsStoppedActor(t *testing.T) {
	sink := &recordingSink{}
	m := NewLocalBarrierManager(1, nil, sink)
	m.RegisterActor(1)
	m.RegisterActor(2)

	// Barrier stops actor 2; both still collect this barrier.
	b := testBarrier(1, types.BarrierKindCheckpoint, types.StopMutation{Actors: []uint32{2}})
	m.OnBarrierPassed(1, b)
	m.OnBarrierPassed(2, b)
	require.Equal(t, 1, sink.count())

	// The next barrier only needs actor 1.
	m.OnBarrierPassed(1, checkpointAt(2))
	assert.Equal(t, 2, sink.count())
	assert.Equal(t, 1, m.RegisteredCount())
}

func TestActorForwardsAndStops(t *testing.T) {
	ctx := context.Background()
	shared := NewSharedContext(16)
	sink := &recordingSink{}
	notifier := NewLocalBarrierManager(1, nil, sink)

	in := shared.Channel(0, 1)
	out := shared.Channel(1, 2)
	d := NewDispatcher(0, types.DispatcherSimple, nil, []*Channel{out}, nil)
	notifier.RegisterActor(1)
	a := NewActor(1, 1, NewChannelExecutor(in), []*Dispatcher{d}, shared, notifier)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.NoError(t, in.Send(ctx, NewChunkMessage(chunkOf(types.OpInsert, 1))))
	require.NoError(t, in.Send(ctx, NewBarrierMessage(testBarrier(1, types.BarrierKindCheckpoint, types.StopMutation{Actors: []uint32{1}}))))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("actor did not stop on Stop mutation")
	}

	// Downstream saw the chunk, the barrier, then end-of-stream.
	msg, ok, err := out.Recv(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotNil(t, msg.Chunk)
	msg, ok, err = out.Recv(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, msg.IsBarrier())
	_, ok, err = out.Recv(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, sink.count())
}

func TestShutdownTokenAbortsActor(t *testing.T) {
	ctx := context.Background()
	shared := NewSharedContext(16)
	notifier := NewLocalBarrierManager(1, nil, nil)

	in := shared.Channel(0, 1)
	a := NewActor(1, 1, NewChannelExecutor(in), nil, shared, notifier)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Feed one message so the loop reaches its token check.
	a.Token().Shutdown()
	require.NoError(t, in.Send(ctx, NewChunkMessage(chunkOf(types.OpInsert, 1))))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("actor ignored shutdown token")
	}
}
