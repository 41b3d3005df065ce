package meta

import (
	"fmt"

	"github.com/freshet-io/freshet/pkg/types"
)

// Catalog mutations. Each returns the new catalog version; clients wait
// until their local cache reaches it before using the object.

// CreateTable registers a table or MV in the catalog
func (s *Server) CreateTable(t *TableCatalog) (uint64, error) {
	s.mu.Lock()
	s.catalogVersion++
	t.CatalogVersion = s.catalogVersion
	v := s.catalogVersion
	s.mu.Unlock()

	if err := s.propose("save_table", t); err != nil {
		return 0, err
	}
	return v, nil
}

// DropTable removes a table; its actors must already be stopped via a
// Stop barrier carrying the table in DropTables.
func (s *Server) DropTable(id uint32) (uint64, error) {
	s.mu.Lock()
	s.catalogVersion++
	v := s.catalogVersion
	s.mu.Unlock()

	if err := s.propose("delete_table", id); err != nil {
		return 0, err
	}
	return v, nil
}

// CreateSubscription registers a consumer of an MV's log, extending its
// retention, and announces it to the running actors on a barrier.
func (s *Server) CreateSubscription(sub *Subscription) (uint64, error) {
	if _, err := s.store.GetTable(sub.UpstreamTable); err != nil {
		return 0, types.UserError(fmt.Errorf("subscription upstream table %d does not exist", sub.UpstreamTable))
	}
	if err := s.propose("save_subscription", sub); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.catalogVersion++
	v := s.catalogVersion
	s.mu.Unlock()

	s.InjectBarrier(types.BarrierKindCheckpoint, types.CreateSubscriptionMutation{
		SubscriptionID: sub.ID,
		UpstreamTable:  sub.UpstreamTable,
		RetentionSec:   sub.RetentionSec,
	})
	return v, nil
}

// DropSubscription removes a subscription and releases the retention
func (s *Server) DropSubscription(id uint32, upstreamTable uint32) (uint64, error) {
	if err := s.propose("delete_subscription", id); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.catalogVersion++
	v := s.catalogVersion
	s.mu.Unlock()

	s.InjectBarrier(types.BarrierKindCheckpoint, types.DropSubscriptionMutation{
		SubscriptionID: id,
		UpstreamTable:  upstreamTable,
	})
	return v, nil
}

// RetentionFor returns the max retention demanded by subscriptions of a
// table, in seconds; 0 when none.
func (s *Server) RetentionFor(tableID uint32) int64 {
	subs, err := s.store.ListSubscriptions()
	if err != nil {
		return 0
	}
	var max int64
	for _, sub := range subs {
		if sub.UpstreamTable == tableID && sub.RetentionSec > max {
			max = sub.RetentionSec
		}
	}
	return max
}
