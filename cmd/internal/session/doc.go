// Package session owns the bounded pool of live per-user link sessions.
//
// A Manager keeps at most MaxClients sessions resident. Each session wraps one backend Handle
// and is driven by its own event loop goroutine, which applies backend lifecycle events
// (handshake token, ready, auth failure, disconnect, inbound message) through a single
// transition function and then runs the side effects: persisting status and activity,
// resolving callers waiting in Acquire, and bridging inbound messages into the work queue.
//
// Pool membership, timestamps and readiness live in one map guarded by one mutex. The mutex is
// never held across backend or store I/O.
package session
