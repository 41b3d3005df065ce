// Package rpc defines the intra-cluster wire surface: the meta service
// (registration, heartbeats, barrier collection, version pinning,
// compaction) and the exchange service carrying stream messages between
// compute nodes, both served over gRPC with hand-rolled service
// descriptors and a shared gob codec.
package rpc
