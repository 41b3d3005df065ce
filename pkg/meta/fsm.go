package meta

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/freshet-io/freshet/pkg/hummock"
	"github.com/freshet-io/freshet/pkg/types"
)

// FSM applies replicated meta commands to the Store. Every mutation of
// durable meta state goes through the Raft log so a replicated meta
// deployment stays consistent; a single-node cluster bootstraps itself.
type FSM struct {
	mu    sync.RWMutex
	store Store
}

// NewFSM creates an FSM over the store
func NewFSM(store Store) *FSM {
	return &FSM{store: store}
}

// Command is one state change in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

type versionPayload struct {
	Version []byte `json:"version"`
}

type pinsPayload struct {
	WorkerID uint32   `json:"worker_id"`
	Versions []uint64 `json:"versions"`
}

// Apply applies a committed Raft log entry
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "save_worker":
		var w types.WorkerInfo
		if err := json.Unmarshal(cmd.Data, &w); err != nil {
			return err
		}
		return f.store.SaveWorker(&w)

	case "delete_worker":
		var id uint32
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteWorker(id)

	case "save_version":
		var p versionPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		v, err := hummock.UnmarshalVersion(p.Version)
		if err != nil {
			return err
		}
		return f.store.SaveVersion(v)

	case "save_pins":
		var p pinsPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.SavePins(p.WorkerID, p.Versions)

	case "delete_pins":
		var id uint32
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeletePins(id)

	case "save_table":
		var t TableCatalog
		if err := json.Unmarshal(cmd.Data, &t); err != nil {
			return err
		}
		return f.store.SaveTable(&t)

	case "delete_table":
		var id uint32
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteTable(id)

	case "save_subscription":
		var sub Subscription
		if err := json.Unmarshal(cmd.Data, &sub); err != nil {
			return err
		}
		return f.store.SaveSubscription(&sub)

	case "delete_subscription":
		var id uint32
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteSubscription(id)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot captures the full meta state for Raft log compaction
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	workers, err := f.store.ListWorkers()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %v", err)
	}
	version, err := f.store.GetVersion()
	if err != nil {
		return nil, fmt.Errorf("failed to read version: %v", err)
	}
	pins, err := f.store.ListPins()
	if err != nil {
		return nil, fmt.Errorf("failed to list pins: %v", err)
	}
	tables, err := f.store.ListTables()
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %v", err)
	}
	subs, err := f.store.ListSubscriptions()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %v", err)
	}

	snap := &metaSnapshot{
		Workers:       workers,
		Pins:          pins,
		Tables:        tables,
		Subscriptions: subs,
	}
	if version != nil {
		snap.Version = hummock.MarshalVersion(nil, version)
	}
	return snap, nil
}

// Restore rebuilds the store from a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap metaSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, w := range snap.Workers {
		if err := f.store.SaveWorker(w); err != nil {
			return fmt.Errorf("failed to restore worker: %v", err)
		}
	}
	if len(snap.Version) > 0 {
		v, err := hummock.UnmarshalVersion(snap.Version)
		if err != nil {
			return err
		}
		if err := f.store.SaveVersion(v); err != nil {
			return fmt.Errorf("failed to restore version: %v", err)
		}
	}
	for id, versions := range snap.Pins {
		if err := f.store.SavePins(id, versions); err != nil {
			return fmt.Errorf("failed to restore pins: %v", err)
		}
	}
	for _, t := range snap.Tables {
		if err := f.store.SaveTable(t); err != nil {
			return fmt.Errorf("failed to restore table: %v", err)
		}
	}
	for _, sub := range snap.Subscriptions {
		if err := f.store.SaveSubscription(sub); err != nil {
			return fmt.Errorf("failed to restore subscription: %v", err)
		}
	}
	return nil
}

type metaSnapshot struct {
	Workers       []*types.WorkerInfo
	Version       []byte
	Pins          map[uint32][]uint64
	Tables        []*TableCatalog
	Subscriptions []*Subscription
}

// Persist writes the snapshot to the sink
func (s *metaSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases snapshot resources
func (s *metaSnapshot) Release() {}

// BootstrapRaft starts a single-node Raft cluster for the meta store.
// Timeouts are tuned down from the conservative library defaults: meta
// runs on a LAN and fast failover matters more than WAN tolerance.
func BootstrapRaft(nodeID, bindAddr, dataDir string, fsm *FSM) (*raft.Raft, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve raft bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(config, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshots)
	if err != nil {
		return nil, err
	}
	if !hasState {
		configuration := raft.Configuration{
			Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
		}
		r.BootstrapCluster(configuration)
	}
	return r, nil
}
