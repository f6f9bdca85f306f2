// Package replica implements the replicated text document that every
// document session owns.
//
// A Doc is a sequence CRDT: each inserted character is an item identified
// by (client, clock) and anchored to the item that was on its left when it
// was typed. Concurrent inserts at the same anchor are ordered by Lamport
// timestamp, so replicas that have seen the same items agree on the order
// regardless of arrival order. Deletions are recorded in a delete set and
// never remove the item itself.
//
// # Updates and State Vectors
//
// All replication happens through opaque update byte slices:
//
//	sv := remote.EncodeStateVector()
//	diff, _ := local.EncodeStateAsUpdate(sv) // only what remote lacks
//	_ = remote.ApplyUpdate(diff, "sync")
//
// A state vector maps each client to the number of its items a replica has
// integrated. EncodeStateAsUpdate(nil) returns the full state. Updates
// whose dependencies have not arrived yet are held back and integrated as
// soon as they can be.
//
// # Observing Changes
//
// OnUpdate listeners receive the encoded delta of every change together
// with the origin passed to ApplyUpdate (nil for local edits). Listeners
// run synchronously on the goroutine that made the change, after the
// document's lock has been released.
package replica
