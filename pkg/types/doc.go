// Package types holds the shared data model of Freshet: scalar datums and
// their memcomparable encoding, columnar stream chunks with their op
// vectors, the vnode space and ownership bitmaps, epochs and barriers with
// their mutations, and the cluster model exchanged between meta and the
// worker nodes.
//
// Everything here is plain data. Behavior lives in the packages that
// consume it: pkg/hummock for storage, pkg/stream for the actor runtime,
// pkg/meta for the control plane.
package types
