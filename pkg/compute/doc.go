// Package compute runs one streaming worker node: registration and
// heartbeats against meta, version-delta application onto the local
// state store, actor construction from Add mutations, barrier injection
// into source actors, and the cross-node exchange service.
package compute
