package store

import (
	"context"
	"fmt"

	"github.com/freshet-io/freshet/pkg/hummock"
	"github.com/freshet-io/freshet/pkg/types"
)

// TableSchema fixes the layout of one state table
type TableSchema struct {
	TableID uint32
	Columns []types.DataType
	// PKIndices select the primary-key columns, in key order.
	PKIndices []int
	// DistKeyInPK indexes into the PK tuple; the vnode of a row is
	// derived from these columns. Empty pins the table to vnode 0.
	DistKeyInPK []int
}

// StateTable is the typed row interface a stateful operator uses over
// the node's state store. One actor owns one StateTable per logical
// table, scoped to the actor's vnodes; concurrent writers never overlap.
type StateTable struct {
	schema TableSchema
	node   *Node
	vnodes *types.Bitmap
	epoch  types.Epoch
}

// NewStateTable binds a table schema to a node and vnode set
func NewStateTable(node *Node, schema TableSchema, vnodes *types.Bitmap) *StateTable {
	if vnodes == nil {
		vnodes = types.FullBitmap()
	}
	return &StateTable{schema: schema, node: node, vnodes: vnodes}
}

// Schema returns the table schema
func (t *StateTable) Schema() TableSchema {
	return t.schema
}

// Init sets the first write epoch
func (t *StateTable) Init(epoch types.Epoch) {
	t.epoch = epoch
}

// UpdateEpoch advances the write epoch at a barrier
func (t *StateTable) UpdateEpoch(epoch types.Epoch) {
	t.epoch = epoch
}

// Epoch returns the current write epoch
func (t *StateTable) Epoch() types.Epoch {
	return t.epoch
}

// UpdateVnodes swaps the owned vnode set (rescale)
func (t *StateTable) UpdateVnodes(vnodes *types.Bitmap) {
	t.vnodes = vnodes
}

// Vnodes returns the owned vnode set
func (t *StateTable) Vnodes() *types.Bitmap {
	return t.vnodes
}

func (t *StateTable) pkOf(row types.Row) types.Row {
	return row.Project(t.schema.PKIndices)
}

// VnodeOfPK derives the owning vnode of a primary key
func (t *StateTable) VnodeOfPK(pk types.Row) types.VirtualNode {
	return types.VnodeOf(pk, t.schema.DistKeyInPK)
}

func (t *StateTable) userKey(pk types.Row) []byte {
	vnode := t.VnodeOfPK(pk)
	return hummock.EncodeUserKey(nil, hummock.UserKey{
		TableID: t.schema.TableID,
		Vnode:   vnode,
		PK:      types.EncodeRow(nil, pk),
	})
}

// Upsert writes the row at the current epoch
func (t *StateTable) Upsert(row types.Row) error {
	pk := t.pkOf(row)
	if !t.vnodes.IsSet(t.VnodeOfPK(pk)) {
		return fmt.Errorf("write to unowned vnode %d of table %d", t.VnodeOfPK(pk), t.schema.TableID)
	}
	return t.node.Put(t.epoch, t.userKey(pk), types.EncodeRow(nil, row), false)
}

// Delete removes the row's key at the current epoch
func (t *StateTable) Delete(row types.Row) error {
	pk := t.pkOf(row)
	if !t.vnodes.IsSet(t.VnodeOfPK(pk)) {
		return fmt.Errorf("delete on unowned vnode %d of table %d", t.VnodeOfPK(pk), t.schema.TableID)
	}
	return t.node.Put(t.epoch, t.userKey(pk), nil, true)
}

// Get reads the row with the given primary key at the current epoch
func (t *StateTable) Get(ctx context.Context, pk types.Row) (types.Row, bool, error) {
	return t.GetAt(ctx, pk, t.epoch)
}

// GetAt reads at an explicit epoch
func (t *StateTable) GetAt(ctx context.Context, pk types.Row, epoch types.Epoch) (types.Row, bool, error) {
	value, ok, err := t.node.Get(ctx, t.userKey(pk), epoch)
	if err != nil || !ok {
		return nil, false, err
	}
	row, err := types.DecodeRow(value, t.schema.Columns)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode row of table %d: %w", t.schema.TableID, err)
	}
	return row, true, nil
}

// IterVnode scans every row of one vnode at the given epoch, in pk order
func (t *StateTable) IterVnode(ctx context.Context, vnode types.VirtualNode, epoch types.Epoch) ([]types.Row, error) {
	prefix := hummock.EncodeUserKey(nil, hummock.UserKey{TableID: t.schema.TableID, Vnode: vnode})
	return t.scanPrefix(ctx, prefix, epoch)
}

// IterPrefix scans rows whose pk starts with the given datums within one
// vnode.
func (t *StateTable) IterPrefix(ctx context.Context, vnode types.VirtualNode, prefix types.Row, epoch types.Epoch) ([]types.Row, error) {
	key := hummock.EncodeUserKey(nil, hummock.UserKey{
		TableID: t.schema.TableID,
		Vnode:   vnode,
		PK:      types.EncodeRow(nil, prefix),
	})
	return t.scanPrefix(ctx, key, epoch)
}

// ScanOwned scans all rows in every owned vnode, in (vnode, pk) order
func (t *StateTable) ScanOwned(ctx context.Context, epoch types.Epoch) ([]types.Row, error) {
	var out []types.Row
	var iterErr error
	t.vnodes.Iter(func(v types.VirtualNode) {
		if iterErr != nil {
			return
		}
		rows, err := t.IterVnode(ctx, v, epoch)
		if err != nil {
			iterErr = err
			return
		}
		out = append(out, rows...)
	})
	return out, iterErr
}

func (t *StateTable) scanPrefix(ctx context.Context, prefix []byte, epoch types.Epoch) ([]types.Row, error) {
	it, release, err := t.node.Iter(ctx, prefix, epoch)
	if err != nil {
		return nil, err
	}
	defer release()

	var rows []types.Row
	for it.Valid() {
		row, err := types.DecodeRow(it.Value(), t.schema.Columns)
		if err != nil {
			return nil, fmt.Errorf("failed to decode row of table %d: %w", t.schema.TableID, err)
		}
		rows = append(rows, row)
		if err := it.Next(); err != nil {
			return nil, err
		}
	}
	return rows, nil
}
