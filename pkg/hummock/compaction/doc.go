// Package compaction merges SST files in the background. Compactor
// workers pull tasks from meta, merge the inputs under MVCC retention
// (versions above the safe epoch survive; below it only the newest per
// user key, with tombstones dropped at the bottom level), and report
// the outputs for an atomic version swap.
package compaction
