// Package hummock defines the version and key model of the Hummock
// storage engine: composite keys carrying an epoch-with-gap suffix, the
// immutable versioned manifest of SST objects across compaction levels,
// version deltas, and the per-node pinning protocol.
//
// The packages below it implement behavior against this model:
// hummock/sstable reads and writes SST objects, hummock/store is the MVCC
// state-store API used by streaming operators, hummock/compaction merges
// SSTs in the background, and hummock/backup snapshots versions.
package hummock
