// Package objstore abstracts the blob store Hummock persists SSTs and
// version checkpoints to. The filesystem implementation mirrors the
// bucket layout a cloud deployment would use; the in-memory one backs
// tests. Reads retry with bounded backoff, writes never do: a failed
// upload is abandoned and retried under a fresh object id.
package objstore
