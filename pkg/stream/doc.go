// Package stream implements the streaming dataflow runtime: actors
// driving executor pipelines, dispatchers and mergers routing chunks
// between them, and the barrier protocol that cuts the stream into
// consistent epochs.
//
// An actor is one goroutine owning one pipeline; channels between
// actors are bounded, so backpressure propagates from slow consumers to
// the sources naturally. Barriers injected at the sources flow through
// every actor; operators flush their state tables when a barrier passes
// and the local barrier manager reports collection to meta once every
// actor on the node has seen it.
//
// Stateful operators (hash aggregation, hash join, top-n, dynamic
// filter, over window) keep their durable state in state tables backed
// by the Hummock state store. Hash aggregation, group top-n and over
// window bound their in-memory caches by LRU eviction and reload from
// storage on miss; the hash join's key cache is not evicted.
package stream
