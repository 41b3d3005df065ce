// Package meta implements the control plane: cluster membership with
// TTL heartbeats, the barrier scheduler that injects and commits
// epochs, the Hummock version chain with pinning and GC, compaction
// task coordination, and the notification hub that streams deltas to
// the worker nodes.
//
// Durable meta state goes through a Raft FSM onto a bbolt store, so the
// control plane can run replicated; a single node bootstraps its own
// Raft cluster. Tests and embedded deployments may skip Raft entirely,
// in which case commands apply directly to the local store.
package meta
