package meta

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/freshet-io/freshet/pkg/hummock"
	"github.com/freshet-io/freshet/pkg/types"
)

// Store is the durable state of the meta node: worker roster, the
// Hummock version, pins, catalog and subscriptions.
type Store interface {
	SaveWorker(w *types.WorkerInfo) error
	GetWorker(id uint32) (*types.WorkerInfo, error)
	ListWorkers() ([]*types.WorkerInfo, error)
	DeleteWorker(id uint32) error

	SaveVersion(v *hummock.Version) error
	GetVersion() (*hummock.Version, error)

	SavePins(workerID uint32, versionIDs []uint64) error
	ListPins() (map[uint32][]uint64, error)
	DeletePins(workerID uint32) error

	SaveTable(t *TableCatalog) error
	GetTable(id uint32) (*TableCatalog, error)
	ListTables() ([]*TableCatalog, error)
	DeleteTable(id uint32) error

	SaveSubscription(s *Subscription) error
	ListSubscriptions() ([]*Subscription, error)
	DeleteSubscription(id uint32) error

	Close() error
}

// TableCatalog is the minimal catalog entry for a table or MV
type TableCatalog struct {
	ID             uint32
	Name           string
	Columns        []types.DataType
	PKIndices      []int
	DistKeyInPK    []int
	// CatalogVersion bumps on every catalog mutation; clients wait
	// until their cache reaches it.
	CatalogVersion uint64
}

// Subscription extends the retention of an MV's log for a consumer
type Subscription struct {
	ID            uint32
	UpstreamTable uint32
	RetentionSec  int64
}

var (
	bucketWorkers       = []byte("workers")
	bucketVersion       = []byte("version")
	bucketPins          = []byte("pins")
	bucketTables        = []byte("tables")
	bucketSubscriptions = []byte("subscriptions")

	keyCurrentVersion = []byte("current")
)

// BoltStore implements Store over bbolt
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the meta database in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "meta.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open meta database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketWorkers, bucketVersion, bucketPins, bucketTables, bucketSubscriptions}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func u32key(id uint32) []byte {
	return []byte(fmt.Sprintf("%010d", id))
}

func (s *BoltStore) SaveWorker(w *types.WorkerInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketWorkers).Put(u32key(w.ID), data)
	})
}

func (s *BoltStore) GetWorker(id uint32) (*types.WorkerInfo, error) {
	var w types.WorkerInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkers).Get(u32key(id))
		if data == nil {
			return fmt.Errorf("worker not found: %d", id)
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) ListWorkers() ([]*types.WorkerInfo, error) {
	var workers []*types.WorkerInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var w types.WorkerInfo
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			workers = append(workers, &w)
			return nil
		})
	})
	return workers, err
}

func (s *BoltStore) DeleteWorker(id uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).Delete(u32key(id))
	})
}

func (s *BoltStore) SaveVersion(v *hummock.Version) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVersion).Put(keyCurrentVersion, hummock.MarshalVersion(nil, v))
	})
}

func (s *BoltStore) GetVersion() (*hummock.Version, error) {
	var v *hummock.Version
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVersion).Get(keyCurrentVersion)
		if data == nil {
			return nil
		}
		parsed, err := hummock.UnmarshalVersion(data)
		if err != nil {
			return err
		}
		v = parsed
		return nil
	})
	return v, err
}

func (s *BoltStore) SavePins(workerID uint32, versionIDs []uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(versionIDs)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPins).Put(u32key(workerID), data)
	})
}

func (s *BoltStore) ListPins() (map[uint32][]uint64, error) {
	pins := make(map[uint32][]uint64)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPins).ForEach(func(k, v []byte) error {
			var ids []uint64
			if err := json.Unmarshal(v, &ids); err != nil {
				return err
			}
			var id uint32
			if _, err := fmt.Sscanf(string(k), "%d", &id); err != nil {
				return err
			}
			pins[id] = ids
			return nil
		})
	})
	return pins, err
}

func (s *BoltStore) DeletePins(workerID uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPins).Delete(u32key(workerID))
	})
}

func (s *BoltStore) SaveTable(t *TableCatalog) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTables).Put(u32key(t.ID), data)
	})
}

func (s *BoltStore) GetTable(id uint32) (*TableCatalog, error) {
	var t TableCatalog
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTables).Get(u32key(id))
		if data == nil {
			return fmt.Errorf("table not found: %d", id)
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ListTables() ([]*TableCatalog, error) {
	var tables []*TableCatalog
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTables).ForEach(func(k, v []byte) error {
			var t TableCatalog
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tables = append(tables, &t)
			return nil
		})
	})
	return tables, err
}

func (s *BoltStore) DeleteTable(id uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTables).Delete(u32key(id))
	})
}

func (s *BoltStore) SaveSubscription(sub *Subscription) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSubscriptions).Put(u32key(sub.ID), data)
	})
}

func (s *BoltStore) ListSubscriptions() ([]*Subscription, error) {
	var subs []*Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).ForEach(func(k, v []byte) error {
			var sub Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			subs = append(subs, &sub)
			return nil
		})
	})
	return subs, err
}

func (s *BoltStore) DeleteSubscription(id uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).Delete(u32key(id))
	})
}

// MemStore is an in-memory Store for tests
type MemStore struct {
	mu      sync.RWMutex
	workers map[uint32]*types.WorkerInfo
	version *hummock.Version
	pins    map[uint32][]uint64
	tables  map[uint32]*TableCatalog
	subs    map[uint32]*Subscription
}

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{
		workers: make(map[uint32]*types.WorkerInfo),
		pins:    make(map[uint32][]uint64),
		tables:  make(map[uint32]*TableCatalog),
		subs:    make(map[uint32]*Subscription),
	}
}

func (s *MemStore) SaveWorker(w *types.WorkerInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.workers[w.ID] = &cp
	return nil
}

func (s *MemStore) GetWorker(id uint32) (*types.WorkerInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker not found: %d", id)
	}
	cp := *w
	return &cp, nil
}

func (s *MemStore) ListWorkers() ([]*types.WorkerInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.WorkerInfo
	for _, w := range s.workers {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) DeleteWorker(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, id)
	return nil
}

func (s *MemStore) SaveVersion(v *hummock.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v.Clone()
	return nil
}

func (s *MemStore) GetVersion() (*hummock.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.version == nil {
		return nil, nil
	}
	return s.version.Clone(), nil
}

func (s *MemStore) SavePins(workerID uint32, versionIDs []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[workerID] = append([]uint64(nil), versionIDs...)
	return nil
}

func (s *MemStore) ListPins() (map[uint32][]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint32][]uint64, len(s.pins))
	for k, v := range s.pins {
		out[k] = append([]uint64(nil), v...)
	}
	return out, nil
}

func (s *MemStore) DeletePins(workerID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pins, workerID)
	return nil
}

func (s *MemStore) SaveTable(t *TableCatalog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tables[t.ID] = &cp
	return nil
}

func (s *MemStore) GetTable(id uint32) (*TableCatalog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[id]
	if !ok {
		return nil, fmt.Errorf("table not found: %d", id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) ListTables() ([]*TableCatalog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TableCatalog
	for _, t := range s.tables {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) DeleteTable(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, id)
	return nil
}

func (s *MemStore) SaveSubscription(sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	s.subs[sub.ID] = &cp
	return nil
}

func (s *MemStore) ListSubscriptions() ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Subscription
	for _, sub := range s.subs {
		cp := *sub
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) DeleteSubscription(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
	return nil
}

func (s *MemStore) Close() error {
	return nil
}
