// Package server runs live document sessions over WebSocket.
//
// A client connects to /{doc} and exchanges two kinds of binary frames with
// the server: sync frames carrying replica state vectors and updates, and
// awareness frames carrying per-participant presence. Every connection to
// the same document id shares one Document, owned by the Registry.
//
// # Document Lifecycle
//
// The first attach creates the document and loads it from the configured
// persistence. The new connection receives the full state, the server's
// state vector, and the current presence of every participant. Updates
// from one connection are applied to the replica and broadcast to the
// others; presence changes are broadcast to all.
//
// When the last connection detaches the document is written back to
// persistence. It is destroyed only if no connection attached while the
// write was in flight; otherwise it stays live for the newcomer.
//
// # Slow and Dead Peers
//
// Sends are queued per connection and written by a pump goroutine. A
// connection whose queue overflows, whose write fails, or that misses a
// heartbeat is closed and detached. Other connections are unaffected.
//
// # Example Usage
//
//	srv := server.New(server.DefaultServerConfig().
//	    WithAddress(":1234").
//	    WithPersistence(gateway))
//	go srv.ListenAndServe()
//	...
//	srv.Shutdown(ctx)
package server
