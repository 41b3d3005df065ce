package compute

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshet-io/freshet/pkg/config"
	hstore "github.com/freshet-io/freshet/pkg/hummock/store"
	"github.com/freshet-io/freshet/pkg/meta"
	"github.com/freshet-io/freshet/pkg/objstore"
	"github.com/freshet-io/freshet/pkg/stream"
	"github.com/freshet-io/freshet/pkg/types"
)

// topic is a shared external source: an append-only sequence of rows
// addressed by offset, like one Kafka partition.
type topic struct {
	mu   sync.Mutex
	rows []int64
	wake chan struct{}
}

func newTopic() *topic {
	return &topic{wake: make(chan struct{}, 64)}
}

func (tp *topic) append(vals ...int64) {
	tp.mu.Lock()
	tp.rows = append(tp.rows, vals...)
	tp.mu.Unlock()
	select {
	case tp.wake <- struct{}{}:
	default:
	}
}

// topicReader reads the topic from its assigned offset
type topicReader struct {
	topic  *topic
	mu     sync.Mutex
	offset int64
}

func (r *topicReader) Next(ctx context.Context) (*types.StreamChunk, map[string]types.SplitOffset, error) {
	for {
		r.mu.Lock()
		r.topic.mu.Lock()
		if int(r.offset) < len(r.topic.rows) {
			val := r.topic.rows[r.offset]
			r.offset++
			off := r.offset
			r.topic.mu.Unlock()
			r.mu.Unlock()
			chunk := types.NewStreamChunk([]types.Op{types.OpInsert}, []types.Row{{val}})
			return chunk, map[string]types.SplitOffset{"p0": {Seq: off}}, nil
		}
		r.topic.mu.Unlock()
		r.mu.Unlock()
		select {
		case <-r.topic.wake:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func (r *topicReader) AssignSplits(_ context.Context, splits []types.Split) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range splits {
		if s.SplitID == "p0" {
			r.offset = s.Offset.Seq
		}
	}
	return nil
}

func (r *topicReader) Close() error { return nil }

const (
	offsetTableID = uint32(100)
	mvTableID     = uint32(101)
	fragID        = uint32(1)
)

func mvSchema() hstore.TableSchema {
	return hstore.TableSchema{
		TableID:   mvTableID,
		Columns:   []types.DataType{types.TypeInt64},
		PKIndices: []int{0},
	}
}

// sourceToMVBuilder builds the test pipeline: source -> materialize.
// Offsets restore from the last committed epoch so recovery resumes
// exactly where the checkpoint left off.
func sourceToMVBuilder(tp *topic) ActorBuilder {
	return func(bc *BuildContext, info types.ActorInfo) (stream.Executor, []*stream.Dispatcher, bool, error) {
		offsets := hstore.NewStateTable(bc.StoreNode, stream.SourceStateSchema(offsetTableID), info.VnodeBitmap)
		src := stream.NewSourceExecutor(info.ActorID, &topicReader{topic: tp}, bc.BarrierCh, offsets, info.Splits, 0)

		committed := bc.StoreNode.Updater().Current().MaxCommittedEpoch
		if committed != types.EpochInvalid {
			if err := src.RestoreOffsets(context.Background(), committed); err != nil {
				return nil, nil, false, err
			}
		}
		mv := stream.NewMaterializeExecutor(src, hstore.NewStateTable(bc.StoreNode, mvSchema(), info.VnodeBitmap))
		return mv, nil, true, nil
	}
}

func testCluster(t *testing.T) (*meta.Server, objstore.ObjectStore, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Meta.HeartbeatTTLMS = 60000
	obj := objstore.NewMemObjectStore()
	server, err := meta.NewServer(cfg, meta.NewMemStore(), nil, obj)
	require.NoError(t, err)
	return server, obj, cfg
}

func startCompute(t *testing.T, server *meta.Server, obj objstore.ObjectStore, cfg *config.Config, tp *topic) *Node {
	t.Helper()
	node, err := NewNode(cfg, &LocalMeta{Server: server}, obj)
	require.NoError(t, err)
	node.RegisterBuilder(fragID, sourceToMVBuilder(tp))
	require.NoError(t, node.Start(context.Background()))
	return node
}

func waitCommitted(t *testing.T, server *meta.Server, epoch types.Epoch) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if server.Version().MaxCommittedEpoch >= epoch.Pure() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("epoch %s never committed", epoch)
}

func waitActorCount(t *testing.T, node *Node, want int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if node.ActorCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("node never reached %d actors (have %d)", want, node.ActorCount())
}

// Recovery after compute loss: a replacement node rebuilds the lost
// actors from an Initial+Add barrier and the final output equals an
// uninterrupted run up to the last committed epoch.
func TestRecoveryAfterComputeLoss(t *testing.T) {
	server, obj, cfg := testCluster(t)
	tp := newTopic()

	nodeA := startCompute(t, server, obj, cfg, tp)
	nodeB := startCompute(t, server, obj, cfg, tp)
	defer nodeB.Stop()

	// Place the pipeline on node A.
	actors := []types.ActorInfo{{
		ActorID:    1,
		FragmentID: fragID,
		WorkerID:   nodeA.WorkerID(),
		Splits:     []types.Split{{SourceID: 1, SplitID: "p0"}},
	}}
	server.RegisterActors(nodeA.WorkerID(), actors)
	e := server.InjectBarrier(types.BarrierKindInitial, types.AddMutation{Actors: actors})
	waitCommitted(t, server, e)
	waitActorCount(t, nodeA, 1)

	// Rows 1 and 2 flow and are checkpointed.
	tp.append(1, 2)
	time.Sleep(50 * time.Millisecond) // let the source consume
	e = server.InjectBarrier(types.BarrierKindCheckpoint, nil)
	waitCommitted(t, server, e)

	// Row 3 arrives but node A dies before the next barrier commits it.
	tp.append(3)
	time.Sleep(50 * time.Millisecond)
	nodeA.Stop()
	server.MarkWorkerDead(nodeA.WorkerID())

	// Recovery lands the actor on node B.
	waitActorCount(t, nodeB, 1)

	// More data and a final checkpoint.
	tp.append(4, 5)
	time.Sleep(50 * time.Millisecond)
	e = server.InjectBarrier(types.BarrierKindCheckpoint, nil)
	waitCommitted(t, server, e)

	// A fresh reader node sees exactly the rows 1..5, each once: the
	// uncommitted read of row 3 on node A was replayed, not duplicated,
	// and nothing from the uncommitted epoch leaked.
	reader := startCompute(t, server, obj, cfg, newTopic())
	defer reader.Stop()
	waitCommitted(t, server, server.Version().MaxCommittedEpoch)

	mv := hstore.NewStateTable(reader.StoreNode(), mvSchema(), nil)
	rows, err := mv.ScanOwned(context.Background(), server.Version().MaxCommittedEpoch)
	require.NoError(t, err)

	var got []int64
	for _, r := range rows {
		got = append(got, r[0].(int64))
	}
	assert.ElementsMatch(t, []int64{1, 2, 3, 4, 5}, got)
}

// The offset table itself must resume from the committed snapshot.
func TestSourceOffsetsSurviveRecovery(t *testing.T) {
	server, obj, cfg := testCluster(t)
	tp := newTopic()

	nodeA := startCompute(t, server, obj, cfg, tp)
	nodeB := startCompute(t, server, obj, cfg, tp)
	defer nodeB.Stop()

	actors := []types.ActorInfo{{
		ActorID:    1,
		FragmentID: fragID,
		WorkerID:   nodeA.WorkerID(),
		Splits:     []types.Split{{SourceID: 1, SplitID: "p0"}},
	}}
	server.RegisterActors(nodeA.WorkerID(), actors)
	e := server.InjectBarrier(types.BarrierKindInitial, types.AddMutation{Actors: actors})
	waitCommitted(t, server, e)
	waitActorCount(t, nodeA, 1)

	tp.append(10, 20, 30)
	time.Sleep(50 * time.Millisecond)
	e = server.InjectBarrier(types.BarrierKindCheckpoint, nil)
	waitCommitted(t, server, e)

	nodeA.Stop()
	server.MarkWorkerDead(nodeA.WorkerID())
	waitActorCount(t, nodeB, 1)

	// The replacement's offset table reads back Seq=3 at the recovery
	// epoch.
	offsets := hstore.NewStateTable(nodeB.StoreNode(), stream.SourceStateSchema(offsetTableID), nil)
	row, ok, err := offsets.GetAt(context.Background(), types.Row{"p0"}, server.Version().MaxCommittedEpoch)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), row[1])
}
