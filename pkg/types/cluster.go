package types

import (
	"fmt"
	"time"
)

// WorkerType defines the role of a worker node
type WorkerType string

const (
	WorkerTypeMeta      WorkerType = "meta"
	WorkerTypeCompute   WorkerType = "compute"
	WorkerTypeCompactor WorkerType = "compactor"
	WorkerTypeFrontend  WorkerType = "frontend"
)

// WorkerStatus represents the liveness of a worker
type WorkerStatus string

const (
	WorkerStatusStarting WorkerStatus = "starting"
	WorkerStatusRunning  WorkerStatus = "running"
	WorkerStatusDead     WorkerStatus = "dead"
)

// Schedulability is the placement triple advertised by a compute node
type Schedulability struct {
	Streaming     bool
	Serving       bool
	Unschedulable bool
}

// MaxTransactionalID bounds reusable transactional ids so hashing stays
// deterministic across restarts.
const MaxTransactionalID = 1 << 10

// WorkerInfo describes a registered worker
type WorkerInfo struct {
	ID              uint32
	TransactionalID uint32
	Host            string
	Port            int
	Type            WorkerType
	Parallelism     int
	Schedulability  Schedulability
	Status          WorkerStatus
	LastHeartbeat   time.Time
	StartedAt       time.Time
}

// Addr returns the dialable address of the worker
func (w *WorkerInfo) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// Split is a unit of source parallelism (a Kafka partition, a CDC slot, a
// file batch). Offset is the connector-specific resume position.
type Split struct {
	SourceID uint32
	SplitID  string
	Offset   SplitOffset
}

// SplitOffset is a resumable read position. For CDC sources the pair is
// ordered lexicographically on LSN; TxID is carried for bookkeeping only.
type SplitOffset struct {
	Seq  int64
	TxID int64
	LSN  int64
}

// Less orders two offsets of the same split
func (o SplitOffset) Less(other SplitOffset) bool {
	if o.LSN != other.LSN {
		return o.LSN < other.LSN
	}
	return o.Seq < other.Seq
}

// ExecutorKind names an operator in an actor pipeline
type ExecutorKind string

const (
	ExecutorSource        ExecutorKind = "source"
	ExecutorProject       ExecutorKind = "project"
	ExecutorFilter        ExecutorKind = "filter"
	ExecutorHashAgg       ExecutorKind = "hash_agg"
	ExecutorSimpleAgg     ExecutorKind = "simple_agg"
	ExecutorStatelessAgg  ExecutorKind = "stateless_simple_agg"
	ExecutorHashJoin      ExecutorKind = "hash_join"
	ExecutorTopN          ExecutorKind = "top_n"
	ExecutorGroupTopN     ExecutorKind = "group_top_n"
	ExecutorDynamicFilter ExecutorKind = "dynamic_filter"
	ExecutorOverWindow    ExecutorKind = "over_window"
	ExecutorMaterialize   ExecutorKind = "materialize"
	ExecutorSink          ExecutorKind = "sink"
	ExecutorMerge         ExecutorKind = "merge"
)

// ActorInfo describes one actor for placement and construction. The
// executor tree itself is built on the compute node from FragmentID and
// the catalog; ActorInfo carries only placement-relevant state.
type ActorInfo struct {
	ActorID     uint32
	FragmentID  uint32
	WorkerID    uint32
	VnodeBitmap *Bitmap
	// UpstreamActors feed this actor's merger, in input order.
	UpstreamActors []uint32
	// DownstreamActors receive this actor's dispatcher output.
	DownstreamActors []uint32
	Splits           []Split
}

// DispatcherType selects the routing strategy of a dispatcher
type DispatcherType string

const (
	DispatcherHash       DispatcherType = "hash"
	DispatcherBroadcast  DispatcherType = "broadcast"
	DispatcherSimple     DispatcherType = "simple"
	DispatcherRoundRobin DispatcherType = "round_robin"
	DispatcherNoShuffle  DispatcherType = "no_shuffle"
)

// FragmentInfo groups the actors implementing one operator
type FragmentInfo struct {
	FragmentID uint32
	Actors     []uint32
	// DistKey indexes the columns hashed by an upstream hash dispatcher.
	DistKey []int
}
